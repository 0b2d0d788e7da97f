package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, limits records.Limits, lookup records.RecordLookup) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(50_000))
	s, err := Open(Options{
		Driver:       cfg.DurableSQLite,
		DSN:          filepath.Join(t.TempDir(), "durable.db"),
		ListPageSize: 2,
		Clock:        clk,
		Limits:       records.StaticLimits(limits),
		RecordLookup: lookup,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func key(branch string) records.BranchKey {
	return records.BranchKey{RecordName: "rec", Inst: "myInst", Branch: branch}
}

func TestSaveInst_RecordLookup(t *testing.T) {
	lookup := func(_ context.Context, recordName string) (bool, error) {
		return recordName == "rec", nil
	}
	s, _ := newTestStore(t, records.Limits{}, lookup)
	ctx := context.Background()

	res, err := s.SaveInst(ctx, &records.Inst{RecordName: "other", Inst: "myInst"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, records.ErrorRecordNotFound, res.ErrorCode)

	res, err = s.SaveInst(ctx, &records.Inst{RecordName: "rec", Inst: "myInst", Markers: []string{"publicRead"}})
	require.NoError(t, err)
	assert.True(t, res.Success)

	// the null record skips the lookup
	res, err = s.SaveInst(ctx, &records.Inst{RecordName: "", Inst: "tempInst"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := s.GetInstByName(ctx, "rec", "myInst")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"publicRead"}, got.Markers)
	assert.Equal(t, int64(50_000), got.CreatedAt)
}

func TestSaveInst_UpdateKeepsCreatedAt(t *testing.T) {
	s, clk := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	_, err := s.SaveInst(ctx, &records.Inst{RecordName: "rec", Inst: "myInst"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.SaveInst(ctx, &records.Inst{RecordName: "rec", Inst: "myInst", SubscriptionStatus: "active"})
	require.NoError(t, err)

	got, err := s.GetInstByName(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, "active", got.SubscriptionStatus)
	assert.Equal(t, int64(50_000), got.CreatedAt)
	assert.Equal(t, int64(51_000), got.UpdatedAt)
	assert.Nil(t, got.Markers)

	missing, err := s.GetInstByName(ctx, "rec", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListInstsByRecord_Pages(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	for _, name := range []string{"d", "a", "c", "b", "e"} {
		_, err := s.SaveInst(ctx, &records.Inst{RecordName: "rec", Inst: name})
		require.NoError(t, err)
	}
	_, err := s.SaveInst(ctx, &records.Inst{RecordName: "other", Inst: "z"})
	require.NoError(t, err)

	var names []string
	start := ""
	for {
		page, err := s.ListInstsByRecord(ctx, "rec", start)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 2)
		for _, inst := range page {
			names = append(names, inst.Inst)
		}
		start = page[len(page)-1].Inst
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names)
}

func TestSaveBranch_RequiresInst(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	res, err := s.SaveBranch(ctx, &records.Branch{RecordName: "rec", Inst: "myInst", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, records.ErrorInstNotFound, res.ErrorCode)

	_, err = s.SaveInst(ctx, &records.Inst{RecordName: "rec", Inst: "myInst"})
	require.NoError(t, err)
	res, err = s.SaveBranch(ctx, &records.Branch{RecordName: "rec", Inst: "myInst", Branch: "main", Temporary: true})
	require.NoError(t, err)
	assert.True(t, res.Success)

	b, err := s.GetBranchByName(ctx, key("main"))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Temporary)
	assert.Equal(t, int64(50_000), b.CreatedAt)

	res, err = s.SaveBranch(ctx, &records.Branch{RecordName: "rec", Inst: "myInst", Branch: "main"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	b, err = s.GetBranchByName(ctx, key("main"))
	require.NoError(t, err)
	assert.False(t, b.Temporary)
}

func TestAddUpdates_AppendsAndTracksSize(t *testing.T) {
	s, clk := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	res, err := s.AddUpdates(ctx, key("main"), []string{"a", "b"}, 10)
	require.NoError(t, err)
	assert.True(t, res.Success)
	clk.Advance(time.Millisecond)
	_, err = s.AddUpdates(ctx, key("main"), []string{"c:d"}, 5)
	require.NoError(t, err)

	got, err := s.GetCurrentUpdates(ctx, key("main"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"a", "b", "c:d"}, got.Updates)
	assert.Equal(t, []int64{50_000, 50_000, 50_001}, got.Timestamps)
	assert.Equal(t, int64(15), got.BranchSizeInBytes)

	n, err := s.CountUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// writes create the inst and branch implicitly
	inst, err := s.GetInstByName(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.NotNil(t, inst)
	branches, err := s.ListBranches(ctx, "rec", "myInst")
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "main", branches[0].Branch)

	missing, err := s.GetCurrentUpdates(ctx, key("none"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAddUpdates_Limits(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{MaxBranchSizeInBytes: 12, MaxInstSizeInBytes: 20}, nil)
	ctx := context.Background()

	_, err := s.AddUpdates(ctx, key("main"), []string{"a"}, 10)
	require.NoError(t, err)

	res, err := s.AddUpdates(ctx, key("main"), []string{"b"}, 5)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, records.ErrorMaxSizeReached, res.ErrorCode)
	assert.Equal(t, int64(12), res.MaxBranchSizeInBytes)
	assert.Equal(t, int64(15), res.NeededBranchSizeInBytes)

	_, err = s.AddUpdates(ctx, key("side"), []string{"c"}, 10)
	require.NoError(t, err)
	res, err = s.AddUpdates(ctx, key("third"), []string{"d"}, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int64(20), res.MaxInstSizeInBytes)
	assert.Equal(t, int64(21), res.NeededInstSizeInBytes)

	size, err := s.GetInstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(20), size)

	// rejected writes leave nothing behind
	b, err := s.GetBranchByName(ctx, key("third"))
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestReplaceCurrentUpdates_Compacts(t *testing.T) {
	s, clk := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	_, err := s.AddUpdates(ctx, key("main"), []string{"a"}, 3)
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	_, err = s.AddUpdates(ctx, key("main"), []string{"b"}, 3)
	require.NoError(t, err)
	clk.Advance(time.Millisecond)
	_, err = s.AddUpdates(ctx, key("main"), []string{"c"}, 3)
	require.NoError(t, err)

	cur, err := s.GetCurrentUpdates(ctx, key("main"))
	require.NoError(t, err)

	clk.Advance(time.Millisecond)
	res, err := s.ReplaceCurrentUpdates(ctx, key("main"), records.Replacement{
		Remove:            records.Updates{Updates: cur.Updates[:2], Timestamps: cur.Timestamps[:2]},
		RemoveSizeInBytes: 6,
		Add:               "ab",
		AddSizeInBytes:    4,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	cur, err = s.GetCurrentUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "ab"}, cur.Updates)
	assert.Equal(t, int64(7), cur.BranchSizeInBytes)

	// a second compaction of the same boundary does not trim again
	res, err = s.ReplaceCurrentUpdates(ctx, key("main"), records.Replacement{
		Remove:            records.Updates{Updates: []string{"a"}, Timestamps: []int64{50_000}},
		RemoveSizeInBytes: 3,
		Add:               "a2",
		AddSizeInBytes:    2,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	cur, err = s.GetCurrentUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "ab", "a2"}, cur.Updates)
	assert.Equal(t, int64(9), cur.BranchSizeInBytes)

	all, err := s.GetAllUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "ab", "a2"}, all.Updates)
}

func TestPersistUpdates_Generations(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	snap := &records.Updates{
		Updates:           []string{"x", "y"},
		Timestamps:        []int64{100, 101},
		BranchSizeInBytes: 8,
	}
	require.NoError(t, s.PersistUpdates(ctx, key("main"), snap, 2))
	// replaying the same generation converges
	require.NoError(t, s.PersistUpdates(ctx, key("main"), snap, 2))

	cur, err := s.GetCurrentUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, cur.Updates)
	assert.Equal(t, []int64{100, 101}, cur.Timestamps)
	assert.Equal(t, int64(8), cur.BranchSizeInBytes)

	all, err := s.GetAllUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, all.Updates)

	newer := &records.Updates{
		Updates:           []string{"xy", "z"},
		Timestamps:        []int64{102, 103},
		BranchSizeInBytes: 6,
	}
	require.NoError(t, s.PersistUpdates(ctx, key("main"), newer, 3))

	// a stale snapshot from an older flush is dropped and reported
	err = s.PersistUpdates(ctx, key("main"), snap, 2)
	require.ErrorIs(t, err, records.ErrStaleSnapshot)

	cur, err = s.GetCurrentUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"xy", "z"}, cur.Updates)
	assert.Equal(t, int64(6), cur.BranchSizeInBytes)

	all, err = s.GetAllUpdates(ctx, key("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "xy", "z"}, all.Updates)

	require.NoError(t, s.PersistUpdates(ctx, key("main"), nil, 4))
}

func TestMaxFlushedGeneration(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	gen, err := s.MaxFlushedGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), gen)

	// plain writes do not count as flushes
	_, err = s.AddUpdates(ctx, key("plain"), []string{"p"}, 1)
	require.NoError(t, err)
	gen, err = s.MaxFlushedGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), gen)

	snap := &records.Updates{Updates: []string{"a"}, Timestamps: []int64{1}, BranchSizeInBytes: 1}
	require.NoError(t, s.PersistUpdates(ctx, key("main"), snap, 5))
	require.NoError(t, s.PersistUpdates(ctx, key("side"), snap, 2))

	gen, err = s.MaxFlushedGeneration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), gen)
}

func TestAddUpdates_ConcurrentRespectsInstMax(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{MaxInstSizeInBytes: 100}, nil)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.AddUpdates(ctx, key(fmt.Sprintf("b%d", i)), []string{"u"}, 10)
			assert.NoError(t, err)
			if res.Success {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), accepted.Load())
	size, err := s.GetInstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)
}

func TestDeleteInst_Cascades(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AddUpdates(ctx, key(fmt.Sprintf("b%d", i)), []string{"u"}, 1)
		require.NoError(t, err)
	}
	_, err := s.AddUpdates(ctx, records.BranchKey{RecordName: "rec", Inst: "keep", Branch: "main"}, []string{"u"}, 1)
	require.NoError(t, err)

	require.NoError(t, s.DeleteBranch(ctx, key("b0")))
	branches, err := s.ListBranches(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Len(t, branches, 2)

	require.NoError(t, s.DeleteInst(ctx, "rec", "myInst"))

	inst, err := s.GetInstByName(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Nil(t, inst)
	branches, err = s.ListBranches(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Empty(t, branches)
	size, err := s.GetInstSize(ctx, "rec", "myInst")
	require.NoError(t, err)
	assert.Zero(t, size)
	n, err := s.CountUpdates(ctx, key("b1"))
	require.NoError(t, err)
	assert.Zero(t, n)

	kept, err := s.GetCurrentUpdates(ctx, records.BranchKey{RecordName: "rec", Inst: "keep", Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u"}, kept.Updates)
}

func TestClose_Idempotent(t *testing.T) {
	s, _ := newTestStore(t, records.Limits{}, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle"})
	assert.Error(t, err)
}
