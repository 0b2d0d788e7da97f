// Package updatelog is the atomic update log engine: per-branch append-only
// logs with size-checked appends and race-safe compaction, stored in Pebble.
//
// Every mutation takes the lock shard of the owning inst, reads the committed
// counters, decides, and commits a single batch. Mutations on different insts
// proceed in parallel; mutations on one inst are serialized, so neither the
// branch nor the inst counter is ever updated from a stale read.
package updatelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/telemetry"
	"github.com/rs/zerolog/log"
)

const instLockShards = 256

// BatchFunc adds caller-owned writes to a mutation's batch
type BatchFunc func(b *pebble.Batch) error

// BranchCreatedFunc runs inside the batch of the first append to a branch
type BranchCreatedFunc func(b *pebble.Batch, key records.BranchKey, nowMillis int64) error

// InstDeleteFunc runs inside the DeleteInst batch with the branches being removed
type InstDeleteFunc func(b *pebble.Batch, branches []string) error

// Options configures a Log
type Options struct {
	Clock           clock.Clock
	Limits          records.LimitsFunc
	OnBranchCreated BranchCreatedFunc
	// Sync fsyncs every committed batch
	Sync bool
}

// Log is the update log engine over one Pebble DB. It does not own the DB.
type Log struct {
	db              *pebble.DB
	clock           clock.Clock
	limits          records.LimitsFunc
	onBranchCreated BranchCreatedFunc
	writeOpts       *pebble.WriteOptions

	instLocks [instLockShards]sync.Mutex
}

// New creates a Log over db
func New(db *pebble.DB, opts Options) *Log {
	l := &Log{
		db:              db,
		clock:           opts.Clock,
		limits:          opts.Limits,
		onBranchCreated: opts.OnBranchCreated,
		writeOpts:       pebble.NoSync,
	}
	if l.clock == nil {
		l.clock = clock.NewSystem()
	}
	if l.limits == nil {
		l.limits = records.StaticLimits(records.Limits{})
	}
	if opts.Sync {
		l.writeOpts = pebble.Sync
	}
	return l
}

// DB exposes the underlying Pebble DB to stores sharing it
func (l *Log) DB() *pebble.DB {
	return l.db
}

// WriteOptions returns the commit options mutations use
func (l *Log) WriteOptions() *pebble.WriteOptions {
	return l.writeOpts
}

// LockInst takes the lock shard of an inst and returns its release func.
// Callers writing keys related to an inst outside this package take it so
// their writes order with log mutations.
func (l *Log) LockInst(recordName, inst string) func() {
	mu := &l.instLocks[xxhash.Sum64String(recordName+sep+inst)%instLockShards]
	mu.Lock()
	return mu.Unlock
}

// AddUpdates appends updates to a branch if the branch and inst stay within
// their limits after adding sizeInBytes. Rejections leave everything untouched.
func (l *Log) AddUpdates(ctx context.Context, key records.BranchKey, updates []string, sizeInBytes int64) (records.Result, error) {
	if err := records.ValidateBranchKey(key); err != nil {
		return records.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return records.Result{}, err
	}

	start := time.Now()
	defer func() { telemetry.UpdateOpSeconds.With("add").Observe(time.Since(start).Seconds()) }()

	unlock := l.LockInst(key.RecordName, key.Inst)
	defer unlock()

	ns := Namespace(key)
	st, err := l.readState(key, ns)
	if err != nil {
		telemetry.UpdateOpsTotal.With("add", "error").Inc()
		return records.Result{}, err
	}

	limits := l.limits(key.RecordName, key.Inst)
	if res, ok := records.CheckSize(key.Branch, limits, st.branchSize+sizeInBytes, st.instSize+sizeInBytes); !ok {
		telemetry.UpdateOpsTotal.With("add", "max_size").Inc()
		log.Debug().
			Str("branch", key.String()).
			Int64("needed_branch", st.branchSize+sizeInBytes).
			Int64("needed_inst", st.instSize+sizeInBytes).
			Msg("Rejected append over size limit")
		return res, nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	now := l.clock.NowMillis()
	if err := l.appendInBatch(batch, key, ns, st, updates, nil, now); err != nil {
		telemetry.UpdateOpsTotal.With("add", "error").Inc()
		return records.Result{}, err
	}
	if err := batch.Set(branchSizeKey(ns), encodeInt(st.branchSize+sizeInBytes), nil); err != nil {
		return records.Result{}, err
	}
	if err := batch.Set(instSizeKey(key.RecordName, key.Inst), encodeInt(st.instSize+sizeInBytes), nil); err != nil {
		return records.Result{}, err
	}

	if err := batch.Commit(l.writeOpts); err != nil {
		telemetry.UpdateOpsTotal.With("add", "error").Inc()
		return records.Result{}, fmt.Errorf("commit append to %s: %w", key, err)
	}

	telemetry.UpdateOpsTotal.With("add", "ok").Inc()
	telemetry.UpdatesAppendedTotal.Add(float64(len(updates)))
	telemetry.UpdateBytesAppendedTotal.Add(float64(sizeInBytes))
	return records.OK(), nil
}

// Restore loads a branch persisted elsewhere into an empty log, keeping the
// entries' timestamps and size. Limits are not applied; the data was already
// accepted once. Returns false without writing when the branch has a log.
func (l *Log) Restore(ctx context.Context, key records.BranchKey, u *records.Updates) (bool, error) {
	if err := records.ValidateBranchKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if u == nil {
		return false, nil
	}

	unlock := l.LockInst(key.RecordName, key.Inst)
	defer unlock()

	ns := Namespace(key)
	st, err := l.readState(key, ns)
	if err != nil || st.exists {
		return false, err
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := l.appendInBatch(batch, key, ns, st, u.Updates, u.Timestamps, l.clock.NowMillis()); err != nil {
		return false, err
	}
	if err := batch.Set(branchSizeKey(ns), encodeInt(u.BranchSizeInBytes), nil); err != nil {
		return false, err
	}
	if err := batch.Set(instSizeKey(key.RecordName, key.Inst), encodeInt(st.instSize+u.BranchSizeInBytes), nil); err != nil {
		return false, err
	}
	if err := batch.Commit(l.writeOpts); err != nil {
		return false, fmt.Errorf("commit restore of %s: %w", key, err)
	}

	telemetry.UpdateOpsTotal.With("restore", "ok").Inc()
	return true, nil
}

// ReplaceUpdates compacts a prefix of the log into r.Add.
//
// The first timestamp of r.Remove is the snapshot boundary of the compaction.
// If a compaction with a boundary at or after it already landed, the log is
// not trimmed and r.Add is appended at full cost. Otherwise the boundary is
// recorded, the first len(r.Remove.Updates) entries are dropped and the size
// moves by AddSizeInBytes - RemoveSizeInBytes. Both paths re-check limits and
// commit nothing on overflow.
func (l *Log) ReplaceUpdates(ctx context.Context, key records.BranchKey, r records.Replacement) (records.Result, error) {
	if err := records.ValidateBranchKey(key); err != nil {
		return records.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return records.Result{}, err
	}

	start := time.Now()
	defer func() { telemetry.UpdateOpSeconds.With("replace").Observe(time.Since(start).Seconds()) }()

	unlock := l.LockInst(key.RecordName, key.Inst)
	defer unlock()

	ns := Namespace(key)
	st, err := l.readState(key, ns)
	if err != nil {
		telemetry.UpdateOpsTotal.With("replace", "error").Inc()
		return records.Result{}, err
	}

	removeCount := len(r.Remove.Updates)
	trim := removeCount > 0
	var candidate int64
	if trim {
		candidate = encoding.NoTimestamp
		if len(r.Remove.Timestamps) > 0 {
			candidate = r.Remove.Timestamps[0]
		}
		if st.hasMerge && st.lastMerge >= candidate {
			trim = false
			telemetry.CompactionSkippedTotal.Inc()
			log.Debug().
				Str("branch", key.String()).
				Int64("last_merge", st.lastMerge).
				Int64("candidate", candidate).
				Msg("Newer compaction already applied, skipping trim")
		}
	}

	delta := r.AddSizeInBytes
	if trim {
		delta -= r.RemoveSizeInBytes
	}
	neededBranch := st.branchSize + delta
	neededInst := st.instSize + delta

	limits := l.limits(key.RecordName, key.Inst)
	if res, ok := records.CheckSize(key.Branch, limits, neededBranch, neededInst); !ok {
		telemetry.UpdateOpsTotal.With("replace", "max_size").Inc()
		return res, nil
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if trim {
		if err := batch.Set(mergeKey(ns), encodeInt(candidate), nil); err != nil {
			return records.Result{}, err
		}
		if err := l.trimInBatch(batch, ns, removeCount); err != nil {
			telemetry.UpdateOpsTotal.With("replace", "error").Inc()
			return records.Result{}, err
		}
	}

	now := l.clock.NowMillis()
	if err := l.appendInBatch(batch, key, ns, st, []string{r.Add}, nil, now); err != nil {
		telemetry.UpdateOpsTotal.With("replace", "error").Inc()
		return records.Result{}, err
	}
	if err := batch.Set(branchSizeKey(ns), encodeInt(max(neededBranch, 0)), nil); err != nil {
		return records.Result{}, err
	}
	if err := batch.Set(instSizeKey(key.RecordName, key.Inst), encodeInt(max(neededInst, 0)), nil); err != nil {
		return records.Result{}, err
	}

	if err := batch.Commit(l.writeOpts); err != nil {
		telemetry.UpdateOpsTotal.With("replace", "error").Inc()
		return records.Result{}, fmt.Errorf("commit replace on %s: %w", key, err)
	}

	telemetry.UpdateOpsTotal.With("replace", "ok").Inc()
	telemetry.UpdatesAppendedTotal.Inc()
	return records.OK(), nil
}

// GetUpdates returns the branch log, or nil when the branch was never written.
func (l *Log) GetUpdates(ctx context.Context, key records.BranchKey) (*records.Updates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ns := Namespace(key)

	snap := l.db.NewSnapshot()
	defer snap.Close()

	if _, ok, err := getInt(snap, seqKey(ns)); err != nil || !ok {
		return nil, err
	}

	stored, err := scanLog(snap, ns)
	if err != nil {
		return nil, err
	}
	size, _, err := getInt(snap, branchSizeKey(ns))
	if err != nil {
		return nil, err
	}

	updates, timestamps := encoding.ParseUpdates(stored)
	return &records.Updates{
		Updates:           updates,
		Timestamps:        timestamps,
		BranchSizeInBytes: size,
	}, nil
}

// CountUpdates returns the number of entries in the branch log
func (l *Log) CountUpdates(ctx context.Context, key records.BranchKey) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := logPrefix(Namespace(key))
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

// BranchSize returns the recorded byte size of a branch
func (l *Log) BranchSize(ctx context.Context, key records.BranchKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, _, err := getInt(l.db, branchSizeKey(Namespace(key)))
	return v, err
}

// InstSize returns the recorded byte size of an inst
func (l *Log) InstSize(ctx context.Context, recordName, inst string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, _, err := getInt(l.db, instSizeKey(recordName, inst))
	return v, err
}

// LastMergeTimestamp returns the boundary of the latest applied compaction
func (l *Log) LastMergeTimestamp(ctx context.Context, key records.BranchKey) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return getInt(l.db, mergeKey(Namespace(key)))
}

// TrimUpdates drops the oldest n entries. Sizes are left to the caller.
func (l *Log) TrimUpdates(ctx context.Context, key records.BranchKey, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := l.LockInst(key.RecordName, key.Inst)
	defer unlock()

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := l.trimInBatch(batch, Namespace(key), n); err != nil {
		return err
	}
	if err := batch.Commit(l.writeOpts); err != nil {
		return fmt.Errorf("commit trim on %s: %w", key, err)
	}
	telemetry.UpdateOpsTotal.With("trim", "ok").Inc()
	return nil
}

// ListBranches returns the names of every branch of an inst with a log
func (l *Log) ListBranches(ctx context.Context, recordName, inst string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.listBranches(recordName, inst)
}

// DeleteBranch removes a branch log with its counters and credits its size
// back to the inst. extra may add more deletions to the same batch. Missing
// branches are a no-op.
func (l *Log) DeleteBranch(ctx context.Context, key records.BranchKey, extra BatchFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := l.LockInst(key.RecordName, key.Inst)
	defer unlock()

	ns := Namespace(key)
	branchSize, _, err := getInt(l.db, branchSizeKey(ns))
	if err != nil {
		return err
	}
	instSize, _, err := getInt(l.db, instSizeKey(key.RecordName, key.Inst))
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := deleteBranchKeys(batch, key, ns); err != nil {
		return err
	}
	if branchSize != 0 {
		if err := batch.Set(instSizeKey(key.RecordName, key.Inst), encodeInt(max(instSize-branchSize, 0)), nil); err != nil {
			return err
		}
	}
	if extra != nil {
		if err := extra(batch); err != nil {
			return err
		}
	}

	if err := batch.Commit(l.writeOpts); err != nil {
		return fmt.Errorf("commit delete of %s: %w", key, err)
	}
	telemetry.UpdateOpsTotal.With("delete", "ok").Inc()
	return nil
}

// DeleteInst removes every branch of an inst and the inst counter in one
// batch. extra receives the branch names so callers can drop their own keys.
func (l *Log) DeleteInst(ctx context.Context, recordName, inst string, extra InstDeleteFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := l.LockInst(recordName, inst)
	defer unlock()

	branches, err := l.listBranches(recordName, inst)
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	for _, branch := range branches {
		key := records.BranchKey{RecordName: recordName, Inst: inst, Branch: branch}
		if err := deleteBranchKeys(batch, key, Namespace(key)); err != nil {
			return err
		}
	}
	if err := batch.Delete(instSizeKey(recordName, inst), nil); err != nil {
		return err
	}
	if extra != nil {
		if err := extra(batch, branches); err != nil {
			return err
		}
	}

	if err := batch.Commit(l.writeOpts); err != nil {
		return fmt.Errorf("commit delete of inst %s/%s: %w", recordName, inst, err)
	}

	log.Debug().Str("record", recordName).Str("inst", inst).Int("branches", len(branches)).Msg("Deleted inst logs")
	return nil
}

type branchState struct {
	seq        uint64
	exists     bool
	branchSize int64
	instSize   int64
	lastMerge  int64
	hasMerge   bool
}

func (l *Log) readState(key records.BranchKey, ns string) (branchState, error) {
	var st branchState

	seq, exists, err := getInt(l.db, seqKey(ns))
	if err != nil {
		return st, err
	}
	st.seq, st.exists = uint64(seq), exists

	if st.branchSize, _, err = getInt(l.db, branchSizeKey(ns)); err != nil {
		return st, err
	}
	if st.instSize, _, err = getInt(l.db, instSizeKey(key.RecordName, key.Inst)); err != nil {
		return st, err
	}
	if st.lastMerge, st.hasMerge, err = getInt(l.db, mergeKey(ns)); err != nil {
		return st, err
	}
	return st, nil
}

// appendInBatch writes entries after st.seq and advances the sequence.
// Entries take their timestamp from timestamps when given, now otherwise.
// Creates the branch index entry on first write.
func (l *Log) appendInBatch(batch *pebble.Batch, key records.BranchKey, ns string, st branchState, updates []string, timestamps []int64, now int64) error {
	if !st.exists {
		if err := batch.Set(instBranchKey(key.RecordName, key.Inst, key.Branch), nil, nil); err != nil {
			return err
		}
		if l.onBranchCreated != nil {
			if err := l.onBranchCreated(batch, key, now); err != nil {
				return err
			}
		}
	}

	seq := st.seq
	for i, u := range updates {
		seq++
		ts := now
		if i < len(timestamps) {
			ts = timestamps[i]
		}
		if err := batch.Set(logKey(ns, seq), []byte(encoding.FormatUpdate(u, ts)), nil); err != nil {
			return err
		}
	}
	return batch.Set(seqKey(ns), encodeInt(int64(seq)), nil)
}

// trimInBatch range-deletes the first n log entries
func (l *Log) trimInBatch(batch *pebble.Batch, ns string, n int) error {
	prefix := logPrefix(ns)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	end := PrefixUpperBound(prefix)
	i := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if i == n {
			end = append([]byte(nil), iter.Key()...)
			break
		}
		i++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return batch.DeleteRange(prefix, end, nil)
}

// scanLog returns the raw entries of a branch log in append order
func scanLog(r pebble.Reader, ns string) ([]string, error) {
	prefix := logPrefix(ns)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, string(iter.Value()))
	}
	return out, iter.Error()
}

func (l *Log) listBranches(recordName, inst string) ([]string, error) {
	prefix := instBranchesPrefix(recordName, inst)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var branches []string
	for iter.First(); iter.Valid(); iter.Next() {
		branches = append(branches, string(iter.Key()[len(prefix):]))
	}
	return branches, iter.Error()
}

func deleteBranchKeys(batch *pebble.Batch, key records.BranchKey, ns string) error {
	prefix := logPrefix(ns)
	if err := batch.DeleteRange(prefix, PrefixUpperBound(prefix), nil); err != nil {
		return err
	}
	for _, k := range [][]byte{seqKey(ns), branchSizeKey(ns), mergeKey(ns), instBranchKey(key.RecordName, key.Inst, key.Branch)} {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

// getInt reads an int64 counter. ok is false when the key is absent.
func getInt(r pebble.Reader, key []byte) (int64, bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	return decodeInt(val), true, nil
}
