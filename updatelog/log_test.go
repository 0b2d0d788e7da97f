package updatelog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, limits records.Limits) (*Log, *clock.Manual) {
	t.Helper()
	db, err := OpenDB("cache", DBOptions{CacheSizeMB: 8, MemTableSizeMB: 4, FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewManual(time.UnixMilli(1_000))
	return New(db, Options{Clock: clk, Limits: records.StaticLimits(limits)}), clk
}

func branchKey(branch string) records.BranchKey {
	return records.BranchKey{RecordName: "rec", Inst: "myInst", Branch: branch}
}

func TestAddUpdates_AppendsWithTimestamps(t *testing.T) {
	l, clk := newTestLog(t, records.Limits{})
	ctx := context.Background()
	key := branchKey("main")

	res, err := l.AddUpdates(ctx, key, []string{"u1", "u2"}, 4)
	require.NoError(t, err)
	assert.True(t, res.Success)

	clk.Advance(5 * time.Millisecond)
	_, err = l.AddUpdates(ctx, key, []string{"u3"}, 2)
	require.NoError(t, err)

	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"u1", "u2", "u3"}, got.Updates)
	assert.Equal(t, []int64{1_000, 1_000, 1_005}, got.Timestamps)
	assert.Equal(t, int64(6), got.BranchSizeInBytes)

	count, err := l.CountUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRestore_KeepsTimestampsAndSizes(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{MaxBranchSizeInBytes: 5})
	ctx := context.Background()

	_, err := l.AddUpdates(ctx, branchKey("other"), []string{"o"}, 2)
	require.NoError(t, err)

	restored, err := l.Restore(ctx, branchKey("main"), &records.Updates{
		Updates:           []string{"a", "b"},
		Timestamps:        []int64{10, 20},
		BranchSizeInBytes: 8,
	})
	require.NoError(t, err)
	assert.True(t, restored)

	got, err := l.GetUpdates(ctx, branchKey("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Updates)
	assert.Equal(t, []int64{10, 20}, got.Timestamps)
	assert.Equal(t, int64(8), got.BranchSizeInBytes)

	size, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	restored, err = l.Restore(ctx, branchKey("main"), &records.Updates{Updates: []string{"c"}, Timestamps: []int64{30}})
	require.NoError(t, err)
	assert.False(t, restored)

	count, err := l.CountUpdates(ctx, branchKey("main"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGetUpdates_NeverWritten(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})

	got, err := l.GetUpdates(context.Background(), branchKey("missing"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAddUpdates_UpdatesContainingColons(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()
	key := branchKey("main")

	_, err := l.AddUpdates(ctx, key, []string{"a:b:c"}, 5)
	require.NoError(t, err)

	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:b:c"}, got.Updates)
	assert.Equal(t, []int64{1_000}, got.Timestamps)
}

func TestSizeInvariant(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()

	sizes := map[string][]int64{
		"main":    {10, 5, 7},
		"feature": {3, 3},
		"other":   {100},
	}
	var instTotal int64
	for branch, batch := range sizes {
		var total int64
		for i, size := range batch {
			res, err := l.AddUpdates(ctx, branchKey(branch), []string{fmt.Sprintf("%s-%d", branch, i)}, size)
			require.NoError(t, err)
			require.True(t, res.Success)
			total += size
		}
		got, err := l.BranchSize(ctx, branchKey(branch))
		require.NoError(t, err)
		assert.Equal(t, total, got, "branch %s", branch)
		instTotal += total
	}

	got, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, instTotal, got)

	branches, err := l.ListBranches(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "feature", "other"}, branches)
}

func TestAddUpdates_RejectsOverBranchMax(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{MaxBranchSizeInBytes: 12})
	ctx := context.Background()
	key := branchKey("main")

	res, err := l.AddUpdates(ctx, key, []string{"u1"}, 10)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = l.AddUpdates(ctx, key, []string{"u2"}, 5)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, records.ErrorMaxSizeReached, res.ErrorCode)
	assert.Equal(t, int64(12), res.MaxBranchSizeInBytes)
	assert.Equal(t, int64(15), res.NeededBranchSizeInBytes)
	assert.Equal(t, "main", res.Branch)

	size, err := l.BranchSize(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	instSize, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(10), instSize)

	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Updates)
}

func TestAddUpdates_RejectsOverInstMax(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{MaxInstSizeInBytes: 20})
	ctx := context.Background()

	res, err := l.AddUpdates(ctx, branchKey("a"), []string{"x"}, 15)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = l.AddUpdates(ctx, branchKey("b"), []string{"y"}, 6)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(20), res.MaxInstSizeInBytes)
	assert.Equal(t, int64(21), res.NeededInstSizeInBytes)

	// Rejected first write must not create the branch
	got, err := l.GetUpdates(ctx, branchKey("b"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAddUpdates_InvalidKey(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	_, err := l.AddUpdates(context.Background(), records.BranchKey{Inst: "i"}, []string{"u"}, 1)
	assert.ErrorIs(t, err, records.ErrInvalidKey)
}

func TestAddUpdates_SeparatorInInstRejected(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()

	_, err := l.AddUpdates(ctx, records.BranchKey{RecordName: "a/b", Inst: "c", Branch: "main"}, []string{"u"}, 1)
	assert.ErrorIs(t, err, records.ErrInvalidKey)
	_, err = l.AddUpdates(ctx, records.BranchKey{RecordName: "a", Inst: "b/c", Branch: "main"}, []string{"u"}, 1)
	assert.ErrorIs(t, err, records.ErrInvalidKey)

	got, err := l.GetUpdates(ctx, records.BranchKey{RecordName: "a", Inst: "b/c", Branch: "main"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAddUpdates_ConcurrentRespectsMax(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{MaxInstSizeInBytes: 100})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := l.AddUpdates(ctx, branchKey(fmt.Sprintf("b%d", n%5)), []string{"u"}, 3)
			if err != nil {
				t.Errorf("AddUpdates failed: %v", err)
				return
			}
			if res.Success {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 33, accepted)
	size, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(99), size)
}

func TestReplaceUpdates_Compacts(t *testing.T) {
	l, clk := newTestLog(t, records.Limits{})
	ctx := context.Background()
	key := branchKey("main")

	_, err := l.AddUpdates(ctx, key, []string{"u1", "u2"}, 10)
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	_, err = l.AddUpdates(ctx, key, []string{"u3"}, 5)
	require.NoError(t, err)

	current, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)

	clk.Advance(time.Millisecond)
	res, err := l.ReplaceUpdates(ctx, key, records.Replacement{
		Remove: records.Updates{
			Updates:    current.Updates[:2],
			Timestamps: current.Timestamps[:2],
		},
		RemoveSizeInBytes: 10,
		Add:               "merged",
		AddSizeInBytes:    4,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "merged"}, got.Updates)
	assert.Equal(t, int64(9), got.BranchSizeInBytes)

	merge, ok, err := l.LastMergeTimestamp(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1_000), merge)

	instSize, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(9), instSize)
}

func TestReplaceUpdates_StaleBoundarySkipsTrim(t *testing.T) {
	l, clk := newTestLog(t, records.Limits{})
	ctx := context.Background()
	key := branchKey("main")

	_, err := l.AddUpdates(ctx, key, []string{"u1", "u2"}, 10)
	require.NoError(t, err)
	snapshot, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)

	// First compaction wins
	clk.Advance(time.Millisecond)
	res, err := l.ReplaceUpdates(ctx, key, records.Replacement{
		Remove:            *snapshot,
		RemoveSizeInBytes: 10,
		Add:               "merged-a",
		AddSizeInBytes:    3,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	clk.Advance(time.Millisecond)
	_, err = l.AddUpdates(ctx, key, []string{"late"}, 2)
	require.NoError(t, err)

	before, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []string{"merged-a", "late"}, before.Updates)

	// Second compaction was computed from the same snapshot and lost the race
	res, err = l.ReplaceUpdates(ctx, key, records.Replacement{
		Remove:            *snapshot,
		RemoveSizeInBytes: 10,
		Add:               "merged-b",
		AddSizeInBytes:    3,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	after, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"merged-a", "late", "merged-b"}, after.Updates)
	// Charged in full, no credit for the removed entries
	assert.Equal(t, int64(3+2+3), after.BranchSizeInBytes)
}

func TestReplaceUpdates_RejectsOverMax(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{MaxBranchSizeInBytes: 12})
	ctx := context.Background()
	key := branchKey("main")

	_, err := l.AddUpdates(ctx, key, []string{"u1"}, 10)
	require.NoError(t, err)
	snapshot, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)

	res, err := l.ReplaceUpdates(ctx, key, records.Replacement{
		Remove:            *snapshot,
		RemoveSizeInBytes: 1,
		Add:               "big",
		AddSizeInBytes:    8,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(17), res.NeededBranchSizeInBytes)

	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, got.Updates)
	assert.Equal(t, int64(10), got.BranchSizeInBytes)

	_, ok, err := l.LastMergeTimestamp(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "rejected replace must not record a merge")
}

func TestReplaceUpdates_EmptyRemoveAppends(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()
	key := branchKey("main")

	res, err := l.ReplaceUpdates(ctx, key, records.Replacement{Add: "only", AddSizeInBytes: 4})
	require.NoError(t, err)
	require.True(t, res.Success)

	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, got.Updates)
	assert.Equal(t, int64(4), got.BranchSizeInBytes)
}

func TestTrimUpdates(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()
	key := branchKey("main")

	_, err := l.AddUpdates(ctx, key, []string{"a", "b", "c", "d"}, 4)
	require.NoError(t, err)

	require.NoError(t, l.TrimUpdates(ctx, key, 2))
	got, err := l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, got.Updates)

	require.NoError(t, l.TrimUpdates(ctx, key, 10))
	got, err = l.GetUpdates(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got, "trimmed branch is empty, not missing")
	assert.Empty(t, got.Updates)

	// Appends continue after the trimmed sequence
	_, err = l.AddUpdates(ctx, key, []string{"e"}, 1)
	require.NoError(t, err)
	got, err = l.GetUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"e"}, got.Updates)
}

func TestDeleteBranch_CreditsInst(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()

	_, err := l.AddUpdates(ctx, branchKey("a"), []string{"x"}, 7)
	require.NoError(t, err)
	_, err = l.AddUpdates(ctx, branchKey("b"), []string{"y"}, 5)
	require.NoError(t, err)

	extraCalled := false
	require.NoError(t, l.DeleteBranch(ctx, branchKey("a"), func(b *pebble.Batch) error {
		extraCalled = true
		return nil
	}))
	assert.True(t, extraCalled)

	got, err := l.GetUpdates(ctx, branchKey("a"))
	require.NoError(t, err)
	assert.Nil(t, got)

	size, err := l.BranchSize(ctx, branchKey("a"))
	require.NoError(t, err)
	assert.Zero(t, size)

	instSize, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(5), instSize)

	branches, err := l.ListBranches(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, branches)

	// Idempotent
	require.NoError(t, l.DeleteBranch(ctx, branchKey("a"), nil))
	instSize, err = l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(5), instSize)
}

func TestDeleteInst_Cascades(t *testing.T) {
	l, _ := newTestLog(t, records.Limits{})
	ctx := context.Background()

	for _, b := range []string{"a", "b", "c"} {
		_, err := l.AddUpdates(ctx, branchKey(b), []string{"x"}, 2)
		require.NoError(t, err)
	}
	other := records.BranchKey{RecordName: "rec", Inst: "otherInst", Branch: "a"}
	_, err := l.AddUpdates(ctx, other, []string{"keep"}, 2)
	require.NoError(t, err)

	var seen []string
	require.NoError(t, l.DeleteInst(ctx, "rec", "myInst", func(b *pebble.Batch, branches []string) error {
		seen = branches
		return nil
	}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)

	for _, b := range []string{"a", "b", "c"} {
		got, err := l.GetUpdates(ctx, branchKey(b))
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	instSize, err := l.InstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Zero(t, instSize)

	got, err := l.GetUpdates(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, got.Updates)

	// Missing inst is a no-op
	require.NoError(t, l.DeleteInst(ctx, "rec", "myInst", nil))
}

func TestOnBranchCreated_RunsOnce(t *testing.T) {
	db, err := OpenDB("cache", DBOptions{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer db.Close()

	var created []records.BranchKey
	l := New(db, Options{
		Clock: clock.NewManual(time.UnixMilli(50)),
		OnBranchCreated: func(b *pebble.Batch, key records.BranchKey, now int64) error {
			created = append(created, key)
			assert.Equal(t, int64(50), now)
			return nil
		},
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.AddUpdates(ctx, branchKey("main"), []string{"u"}, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, []records.BranchKey{branchKey("main")}, created)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/log/b"), PrefixUpperBound([]byte("/log/a")))
	assert.Equal(t, []byte("b"), PrefixUpperBound([]byte("a\xff")))
	assert.Nil(t, PrefixUpperBound([]byte("\xff\xff")))
}
