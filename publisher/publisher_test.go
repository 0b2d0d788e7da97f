package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/updatelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	keys     []string
	values   [][]byte
	failures int
}

func (s *recordingSink) Publish(_ context.Context, _, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("broker unavailable")
	}
	s.keys = append(s.keys, key)
	s.values = append(s.values, value)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func openTestLog(t *testing.T, fs vfs.FS) *EventLog {
	t.Helper()
	l, err := OpenEventLog("events", updatelog.DBOptions{FS: fs})
	require.NoError(t, err)
	return l
}

func TestEventLog_AppendAndRead(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())
	defer l.Close()

	events := []BranchEvent{
		{Type: EventBranchFlushed, RecordName: "rec", Inst: "a", Branch: "main", Generation: 3},
		{Type: EventBranchDeleted, RecordName: "rec", Inst: "a", Branch: "side"},
		{Type: EventInstDeleted, RecordName: "rec", Inst: "b"},
	}
	require.NoError(t, l.Append(events))
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(3), l.LastSeq())

	got, err := l.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, events, got)

	got, err = l.ReadFrom(1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventBranchDeleted, got[0].Type)

	got, err = l.ReadFrom(3, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEventLog_ReopenKeepsSequenceAndCursor(t *testing.T) {
	fs := vfs.NewMem()
	l := openTestLog(t, fs)
	require.NoError(t, l.Append([]BranchEvent{{Type: EventInstDeleted, Inst: "x"}, {Type: EventInstDeleted, Inst: "y"}}))
	require.NoError(t, l.AdvanceCursor("nats", 1))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	l = openTestLog(t, fs)
	defer l.Close()
	assert.Equal(t, uint64(2), l.LastSeq())
	assert.Equal(t, uint64(1), l.Cursor("nats"))
	assert.Zero(t, l.Cursor("kafka"))

	events := []BranchEvent{{Type: EventInstDeleted, Inst: "z"}}
	require.NoError(t, l.Append(events))
	assert.Equal(t, uint64(3), events[0].Seq)
}

func TestEventLog_Closed(t *testing.T) {
	l := openTestLog(t, vfs.NewMem())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Append([]BranchEvent{{Inst: "x"}}), ErrClosed)
	_, err := l.ReadFrom(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGlobFilter(t *testing.T) {
	all, err := NewGlobFilter(nil)
	require.NoError(t, err)
	assert.True(t, all.Match("", "anything"))

	f, err := NewGlobFilter([]string{"rec/*", "/temp-*"})
	require.NoError(t, err)
	assert.True(t, f.Match("rec", "myInst"))
	assert.True(t, f.Match("", "temp-1"))
	assert.False(t, f.Match("other", "myInst"))
	assert.False(t, f.Match("", "myInst"))

	_, err = NewGlobFilter([]string{"[unclosed"})
	assert.Error(t, err)
}

func TestEncoderFor(t *testing.T) {
	e := BranchEvent{Seq: 7, Type: EventBranchFlushed, RecordName: "rec", Inst: "a", Branch: "main", Updates: 2}

	enc, err := EncoderFor("json")
	require.NoError(t, err)
	data, err := enc(e)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "branch_flushed", decoded["type"])
	assert.Equal(t, "main", decoded["branch"])

	enc, err = EncoderFor("msgpack")
	require.NoError(t, err)
	data, err = enc(e)
	require.NoError(t, err)
	var back BranchEvent
	require.NoError(t, encoding.Unmarshal(data, &back))
	assert.Equal(t, e, back)

	_, err = EncoderFor("avro")
	assert.Error(t, err)
}

func TestPublisher_DeliversFilteredEvents(t *testing.T) {
	snk := &recordingSink{failures: 2}
	filter, err := NewGlobFilter([]string{"rec/*"})
	require.NoError(t, err)

	p, err := New(Options{
		Path:   "events",
		DB:     updatelog.DBOptions{FS: vfs.NewMem()},
		NodeID: 9,
		Clock:  clock.NewManual(time.UnixMilli(1_000)),
		Worker: WorkerConfig{
			Sink:         snk,
			Filter:       filter,
			Topic:        "branchsync.events",
			PollInterval: 5 * time.Millisecond,
			RetryInitial: time.Millisecond,
			RetryMax:     2 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	require.NoError(t, p.Emit(
		BranchEvent{Type: EventBranchFlushed, RecordName: "rec", Inst: "a", Branch: "main"},
		BranchEvent{Type: EventBranchFlushed, RecordName: "other", Inst: "b", Branch: "main"},
		BranchEvent{Type: EventInstDeleted, RecordName: "rec", Inst: "c"},
	))

	p.Start()
	require.Eventually(t, func() bool {
		return p.Log().Cursor("default") == 3
	}, 2*time.Second, 5*time.Millisecond)
	p.Stop()

	require.Equal(t, 2, snk.count())
	assert.Equal(t, []string{"rec/a", "rec/c"}, snk.keys)

	var first map[string]any
	require.NoError(t, json.Unmarshal(snk.values[0], &first))
	assert.Equal(t, float64(9), first["nodeId"])
	assert.Equal(t, float64(1_000), first["timestamp"])
}
