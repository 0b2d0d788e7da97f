package main

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/maxpert/branchsync/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		DataDir:    t.TempDir(),
		Driver:     "sqlite3",
		Records:    2,
		Insts:      2,
		Branches:   3,
		Threads:    1,
		Workload:   "mixed",
		AppendPct:  -1,
		CompactPct: -1,
		ReadPct:    -1,
		HistoryPct: -1,
		FlushPct:   -1,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBranchPicker_CoversLayout(t *testing.T) {
	p := NewBranchPicker(2, 3, 4)
	require.Equal(t, 24, p.Count())

	seen := make(map[string]bool)
	for n := 0; n < p.Count(); n++ {
		seen[p.Key(n).String()] = true
	}
	assert.Len(t, seen, 24)

	k := p.Key(0)
	assert.Equal(t, records.BranchKey{RecordName: "rec_0000", Inst: "inst_0000", Branch: "branch_000"}, k)
	k = p.Key(23)
	assert.Equal(t, records.BranchKey{RecordName: "rec_0001", Inst: "inst_0002", Branch: "branch_003"}, k)
}

func TestOpSelector_HonorsDistribution(t *testing.T) {
	s := NewOpSelector(WorkloadDistribution{Read: 100}, 1)
	for i := 0; i < 100; i++ {
		assert.Equal(t, OpRead, s.Select())
	}

	s = NewOpSelector(WorkloadDistribution{Append: 50, Flush: 50}, 1)
	counts := map[OpType]int{}
	for i := 0; i < 1000; i++ {
		counts[s.Select()]++
	}
	assert.Len(t, counts, 2)
	assert.Greater(t, counts[OpAppend], 0)
	assert.Greater(t, counts[OpFlush], 0)
}

func TestConfig_Validate(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, 12, cfg.BranchCount())
	assert.Contains(t, cfg.DSN, "durable.db")

	bad := *cfg
	bad.Driver = "postgres"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Driver = "mysql"
	bad.DSN = ""
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.AppendPct = 90
	assert.EqualError(t, bad.Validate(), "workload percentages must sum to 100, got 140")

	bad = *cfg
	bad.Workload = "random"
	assert.Error(t, bad.Validate())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("database is locked")))
	assert.True(t, IsRetryableError(errors.New("Error 1213: Deadlock found")))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(&RejectedError{Result: records.BranchTooLarge("b", 1, 2)}))
}

func TestWorkload_RunsAndVerifies(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBranchSize = 4096
	ctx := context.Background()

	store, err := openStore(cfg)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, createInsts(ctx, store, cfg))

	picker := NewBranchPicker(cfg.Records, cfg.Insts, cfg.Branches)
	rng := rand.New(rand.NewSource(7))
	key := picker.Key(0)

	for i := 0; i < 6; i++ {
		op := Operation{Type: OpAppend, Key: key, Values: []string{generateUpdate(rng, 16)}}
		require.NoError(t, ExecuteOp(ctx, store, op))
	}
	require.NoError(t, ExecuteOp(ctx, store, Operation{Type: OpCompact, Key: key}))

	current, err := store.GetCurrentUpdates(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 4, current.Len())
	assert.Len(t, current.Updates[3], 48)
	assert.Equal(t, int64(96), current.BranchSizeInBytes)

	// Quota rejections surface as RejectedError
	err = ExecuteOp(ctx, store, Operation{Type: OpAppend, Key: key, Values: []string{generateUpdate(rng, 5000)}})
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	stats := NewStats()
	stats.RecordError(OpAppend, err)
	stats.RecordOp(OpAppend, time.Millisecond)
	assert.Equal(t, uint64(1), stats.TotalRejected())
	assert.Equal(t, uint64(0), stats.TotalErrors())
	assert.Equal(t, uint64(1), stats.TotalOps())

	result, err := NewVerifier(store, picker, 0, 10*time.Second).Verify(ctx)
	require.NoError(t, err)
	assert.False(t, result.HasMismatches())
	assert.Equal(t, 1, result.Flush.Flushed)
	assert.Equal(t, 0, result.DirtyAfterFlush)
	assert.Equal(t, 1, result.SampledBranches)
	assert.Equal(t, 1, result.MatchedBranches)
}
