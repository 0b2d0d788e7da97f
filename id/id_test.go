package id

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeInstID(t *testing.T) {
	assert.Equal(t, "", NormalizeInstID(""))
	assert.Equal(t, "/abc", NormalizeInstID("abc"))
	assert.Equal(t, "record/abc", NormalizeInstID("record/abc"))
	assert.Equal(t, "/abc", NormalizeInstID("/abc"))
}

func TestParseInstID(t *testing.T) {
	tests := []struct {
		in     string
		record string
		inst   string
		ok     bool
	}{
		{"/abc", "", "abc", true},
		{"record/abc", "record", "abc", true},
		{"", "", "", false},
		{"abc", "", "", false},
		{"record/a/b", "record", "a/b", true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			record, inst, ok := ParseInstID(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.record, record)
			assert.Equal(t, tc.inst, inst)
		})
	}
}

func TestFormatInstID_RoundTrip(t *testing.T) {
	for _, s := range []string{"/abc", "record/abc"} {
		record, inst, ok := ParseInstID(s)
		require.True(t, ok)
		assert.Equal(t, s, FormatInstID(record, inst))
	}
}

func TestBranchNamespace(t *testing.T) {
	assert.Equal(t, "/branch//inst/b", BranchNamespace(ModeBranch, "", "inst", "b"))
	assert.Equal(t, "/watch_branch/rec/inst/b", BranchNamespace(ModeWatchBranch, "rec", "inst", "b"))
}

func TestBranchFromNamespace(t *testing.T) {
	key, ok := BranchFromNamespace(ModeBranch, "/branch//inst/b")
	require.True(t, ok)
	assert.Equal(t, BranchKey{RecordName: "", Inst: "inst", Branch: "b"}, key)

	// Branch names may contain slashes
	key, ok = BranchFromNamespace(ModeWatchBranch, "/watch_branch/rec/inst/feature/x")
	require.True(t, ok)
	assert.Equal(t, BranchKey{RecordName: "rec", Inst: "inst", Branch: "feature/x"}, key)

	// Wrong mode
	_, ok = BranchFromNamespace(ModeWatchBranch, "/branch//inst/b")
	assert.False(t, ok)

	// Truncated
	_, ok = BranchFromNamespace(ModeBranch, "/branch/rec")
	assert.False(t, ok)
	_, ok = BranchFromNamespace(ModeBranch, "/branch/rec/inst")
	assert.False(t, ok)
}

func TestBranchNamespace_RoundTrip(t *testing.T) {
	keys := []BranchKey{
		{"", "inst", "b"},
		{"rec", "inst", "main"},
		{"rec", "inst", ""},
		{"", "i", "deep/nested/branch"},
	}
	for _, mode := range []Mode{ModeBranch, ModeWatchBranch} {
		for _, k := range keys {
			got, ok := BranchFromNamespace(mode, k.Namespace(mode))
			require.True(t, ok, "namespace %q", k.Namespace(mode))
			assert.Equal(t, k, got)
		}
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("branch")
	require.NoError(t, err)
	assert.Equal(t, ModeBranch, m)

	m, err = ParseMode("watch_branch")
	require.NoError(t, err)
	assert.Equal(t, ModeWatchBranch, m)

	_, err = ParseMode("write")
	assert.Error(t, err)

	assert.False(t, Mode(0).Valid())
	assert.Equal(t, "mode(0)", Mode(0).String())
}

func TestMode_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Mode{"mode": ModeWatchBranch})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"watch_branch"}`, string(data))

	var back map[string]Mode
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ModeWatchBranch, back["mode"])

	_, err = json.Marshal(Mode(0))
	assert.Error(t, err)
}

func TestNewConnectionID_Ordered(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, NewConnectionIDAt(base.Add(time.Duration(i)*time.Millisecond)))
	}
	assert.True(t, sort.StringsAreSorted(ids))
}

func TestNewConnectionID_Concurrent(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines*perGoroutine)
	var wg sync.WaitGroup

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := NewConnectionID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("Expected %d unique ids, got %d", goroutines*perGoroutine, len(seen))
	}
}
