package records

import "context"

// Store is the surface shared by the cache, durable and split backends.
// Backend faults are returned as errors; expected outcomes as Result.
type Store interface {
	SaveInst(ctx context.Context, inst *Inst) (Result, error)
	// GetInstByName returns nil when the inst does not exist
	GetInstByName(ctx context.Context, recordName, inst string) (*Inst, error)
	// DeleteInst removes the inst and all of its branches. Missing insts are a no-op.
	DeleteInst(ctx context.Context, recordName, inst string) error
	// ListInstsByRecord pages insts ordered by name, strictly after startingInst.
	ListInstsByRecord(ctx context.Context, recordName, startingInst string) ([]*Inst, error)

	SaveBranch(ctx context.Context, branch *Branch) (Result, error)
	// GetBranchByName returns nil when the branch does not exist
	GetBranchByName(ctx context.Context, key BranchKey) (*Branch, error)
	ListBranches(ctx context.Context, recordName, inst string) ([]*Branch, error)
	// DeleteBranch removes the branch, its updates and its size. Missing branches are a no-op.
	DeleteBranch(ctx context.Context, key BranchKey) error

	AddUpdates(ctx context.Context, key BranchKey, updates []string, sizeInBytes int64) (Result, error)
	ReplaceCurrentUpdates(ctx context.Context, key BranchKey, r Replacement) (Result, error)
	// GetCurrentUpdates returns nil when the branch holds no log
	GetCurrentUpdates(ctx context.Context, key BranchKey) (*Updates, error)
	GetAllUpdates(ctx context.Context, key BranchKey) (*Updates, error)
	CountUpdates(ctx context.Context, key BranchKey) (int, error)
	GetInstSize(ctx context.Context, recordName, inst string) (int64, error)

	Close() error
}

// CacheStore is the ephemeral working set plus dirty generation tracking.
type CacheStore interface {
	Store

	MarkBranchAsDirty(ctx context.Context, key BranchKey) error
	GetDirtyBranchGeneration(ctx context.Context) (int64, error)
	SetDirtyBranchGeneration(ctx context.Context, generation int64) error
	ListDirtyBranches(ctx context.Context, generation int64) ([]BranchKey, error)
	ClearDirtyBranches(ctx context.Context, generation int64) error
	// RestoreUpdates seeds an uncached branch with durable updates, keeping
	// their timestamps. A branch that already has a log is left alone.
	RestoreUpdates(ctx context.Context, key BranchKey, updates *Updates) (bool, error)
	// DeleteAllInstBranchInfo drops every branch's log, sizes and info plus
	// the inst size in one batch.
	DeleteAllInstBranchInfo(ctx context.Context, recordName, inst string) error
}

// DurableStore is the canonical store flushed branches end up in.
type DurableStore interface {
	Store

	// PersistUpdates replaces the branch's current set with a snapshot taken
	// in the given dirty generation. Snapshots older than the last persisted
	// generation are left out and reported with ErrStaleSnapshot.
	PersistUpdates(ctx context.Context, key BranchKey, updates *Updates, generation int64) error
	// MaxFlushedGeneration returns the highest generation any branch was
	// persisted from, or -1 when nothing was persisted yet.
	MaxFlushedGeneration(ctx context.Context) (int64, error)
}

// RecordLookup reports whether a record exists. Used by durable stores to
// reject insts saved into unknown records.
type RecordLookup func(ctx context.Context, recordName string) (bool, error)
