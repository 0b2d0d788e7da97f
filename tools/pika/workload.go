package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
)

type OpType int

const (
	OpAppend OpType = iota
	OpCompact
	OpRead
	OpHistory
	OpFlush
)

func (o OpType) String() string {
	switch o {
	case OpAppend:
		return "APPEND"
	case OpCompact:
		return "COMPACT"
	case OpRead:
		return "READ"
	case OpHistory:
		return "HISTORY"
	case OpFlush:
		return "FLUSH"
	default:
		return "UNKNOWN"
	}
}

// BranchPicker maps indices onto the records x insts x branches layout.
// Thread-safe: holds no mutable state, caller provides rng.
type BranchPicker struct {
	records  int
	insts    int
	branches int
}

// NewBranchPicker creates a picker for the given layout.
func NewBranchPicker(records, insts, branches int) *BranchPicker {
	return &BranchPicker{records: records, insts: insts, branches: branches}
}

// Count returns the number of branches in the layout.
func (p *BranchPicker) Count() int {
	return p.records * p.insts * p.branches
}

// Key returns the branch at index n.
func (p *BranchPicker) Key(n int) records.BranchKey {
	b := n % p.branches
	n /= p.branches
	i := n % p.insts
	r := (n / p.insts) % p.records
	return records.BranchKey{
		RecordName: fmt.Sprintf("rec_%04d", r),
		Inst:       fmt.Sprintf("inst_%04d", i),
		Branch:     fmt.Sprintf("branch_%03d", b),
	}
}

// Random returns a random branch of the layout.
func (p *BranchPicker) Random(rng *rand.Rand) records.BranchKey {
	return p.Key(rng.Intn(p.Count()))
}

// Operation represents a single store operation.
type Operation struct {
	Type   OpType
	Key    records.BranchKey
	Values []string
}

// OpSelector selects operations based on workload distribution.
type OpSelector struct {
	dist       WorkloadDistribution
	thresholds [5]int // Cumulative thresholds for each op type
	rng        *rand.Rand
}

// NewOpSelector creates an operation selector.
func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{
		dist: dist,
		rng:  rand.New(rand.NewSource(seed)),
	}

	// Build cumulative thresholds
	s.thresholds[0] = dist.Append
	s.thresholds[1] = s.thresholds[0] + dist.Compact
	s.thresholds[2] = s.thresholds[1] + dist.Read
	s.thresholds[3] = s.thresholds[2] + dist.History
	s.thresholds[4] = s.thresholds[3] + dist.Flush

	return s
}

// Select returns a random operation type based on distribution.
func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)

	if r < s.thresholds[0] {
		return OpAppend
	}
	if r < s.thresholds[1] {
		return OpCompact
	}
	if r < s.thresholds[2] {
		return OpRead
	}
	if r < s.thresholds[3] {
		return OpHistory
	}
	return OpFlush
}

// generateUpdate generates a random update payload.
func generateUpdate(rng *rand.Rand, length int) string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[rng.Intn(len(chars))]
	}
	return string(b)
}

// RejectedError wraps an unsuccessful store result such as a quota rejection.
type RejectedError struct {
	Result records.Result
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Result.ErrorCode, e.Result.ErrorMessage)
}

// IsRejected reports whether err is a store-level rejection rather than a failure.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

func checkResult(res records.Result, err error) error {
	if err != nil {
		return err
	}
	if !res.Success {
		return &RejectedError{Result: res}
	}
	return nil
}

// ExecuteOp executes a single operation against the store.
func ExecuteOp(ctx context.Context, store *splitstore.Store, op Operation) error {
	switch op.Type {
	case OpAppend:
		return executeAppend(ctx, store, op.Key, op.Values)
	case OpCompact:
		return executeCompact(ctx, store, op.Key)
	case OpRead:
		_, err := store.GetCurrentUpdates(ctx, op.Key)
		return err
	case OpHistory:
		_, err := store.GetAllUpdates(ctx, op.Key)
		return err
	case OpFlush:
		_, err := store.FlushDirtyBranches(ctx)
		return err
	default:
		return fmt.Errorf("unknown operation type: %v", op.Type)
	}
}

func executeAppend(ctx context.Context, store *splitstore.Store, key records.BranchKey, values []string) error {
	var size int64
	for _, v := range values {
		size += int64(len(v))
	}
	return checkResult(store.AddUpdates(ctx, key, values, size))
}

// executeCompact folds the older half of the current log into one update.
func executeCompact(ctx context.Context, store *splitstore.Store, key records.BranchKey) error {
	current, err := store.GetCurrentUpdates(ctx, key)
	if err != nil {
		return err
	}
	n := current.Len() / 2
	if n < 2 {
		return nil
	}

	r := records.Replacement{
		Remove: records.Updates{
			Updates:    current.Updates[:n],
			Timestamps: current.Timestamps[:n],
		},
		Add: strings.Join(current.Updates[:n], ""),
	}
	for _, u := range r.Remove.Updates {
		r.RemoveSizeInBytes += int64(len(u))
	}
	r.AddSizeInBytes = int64(len(r.Add))
	return checkResult(store.ReplaceCurrentUpdates(ctx, key, r))
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil || IsRejected(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// SQLite writer contention
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "busy") {
		return true
	}

	// MySQL error codes
	if strings.Contains(errStr, "1213") { // Deadlock
		return true
	}
	if strings.Contains(errStr, "1205") { // Lock wait timeout
		return true
	}

	return false
}
