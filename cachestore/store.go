// Package cachestore is the ephemeral branch cache: inst and branch info plus
// branch logs in Pebble, and the dirty generation tracker that feeds the
// flush to durable storage.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/id"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/updatelog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("cache store closed")

// Key prefixes owned by the cache. Log keys live in updatelog.
const (
	prefixInst       = "/inst/"  // /inst/{record}\x00{inst} -> msgpack(records.Inst)
	prefixBranchInfo = "/binfo"  // /binfo{ns} -> msgpack(records.Branch)
	keyDirtyGen      = "/dirtygen"
	prefixDirty      = "/dirty/" // /dirty/{gen:8B}/{ns} -> msgpack(BranchKey)
)

const defaultListPageSize = 10

// Options configures a Store
type Options struct {
	DB           updatelog.DBOptions
	Clock        clock.Clock
	Limits       records.LimitsFunc
	Sync         bool
	ListPageSize int
}

// Store implements records.CacheStore on Pebble
type Store struct {
	db       *pebble.DB
	log      *updatelog.Log
	clock    clock.Clock
	pageSize int
	ownsDB   bool

	// Marks hold genMu shared; SetDirtyBranchGeneration holds it exclusively
	genMu      sync.RWMutex
	generation int64
	filter     *dirtyFilter

	closed atomic.Bool
}

var _ records.CacheStore = (*Store)(nil)

// Open opens the Pebble DB at path and builds a Store that owns it
func Open(path string, opts Options) (*Store, error) {
	db, err := updatelog.OpenDB(path, opts.DB)
	if err != nil {
		return nil, err
	}
	s, err := New(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New builds a Store over an already open DB
func New(db *pebble.DB, opts Options) (*Store, error) {
	s := &Store{
		db:       db,
		clock:    opts.Clock,
		pageSize: opts.ListPageSize,
		filter:   newDirtyFilter(),
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultListPageSize
	}
	s.log = updatelog.New(db, updatelog.Options{
		Clock:           s.clock,
		Limits:          opts.Limits,
		OnBranchCreated: s.onBranchCreated,
		Sync:            opts.Sync,
	})

	gen, err := s.loadGeneration()
	if err != nil {
		return nil, fmt.Errorf("load dirty generation: %w", err)
	}
	s.generation = gen

	log.Debug().Int64("generation", gen).Msg("Cache store ready")
	return s, nil
}

// Log exposes the update log engine
func (s *Store) Log() *updatelog.Log {
	return s.log
}

func instKey(recordName, inst string) []byte {
	return []byte(prefixInst + recordName + "\x00" + inst)
}

func instRecordPrefix(recordName string) []byte {
	return []byte(prefixInst + recordName + "\x00")
}

func branchInfoKey(key records.BranchKey) []byte {
	return []byte(prefixBranchInfo + updatelog.Namespace(key))
}

// branchInfoPrefix covers every branch info key of an inst. Inst names
// cannot contain '/', so the trailing slash closes the inst segment.
func branchInfoPrefix(recordName, inst string) []byte {
	return []byte(prefixBranchInfo + id.BranchNamespace(id.ModeBranch, recordName, inst, ""))
}

func (s *Store) checkOpen(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// SaveInst creates or updates an inst record, keeping its creation time
func (s *Store) SaveInst(ctx context.Context, inst *records.Inst) (records.Result, error) {
	if err := s.checkOpen(ctx); err != nil {
		return records.Result{}, err
	}
	if err := records.ValidateInstKey(inst.RecordName, inst.Inst); err != nil {
		return records.Result{}, err
	}

	unlock := s.log.LockInst(inst.RecordName, inst.Inst)
	defer unlock()

	rec := *inst
	now := s.clock.NowMillis()
	existing, err := s.getInst(inst.RecordName, inst.Inst)
	if err != nil {
		return records.Result{}, err
	}
	switch {
	case existing != nil:
		rec.CreatedAt = existing.CreatedAt
	case rec.CreatedAt == 0:
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := s.setValue(instKey(inst.RecordName, inst.Inst), &rec); err != nil {
		return records.Result{}, fmt.Errorf("save inst %s: %w", rec.Key(), err)
	}
	return records.OK(), nil
}

// GetInstByName returns nil when the inst is not cached
func (s *Store) GetInstByName(ctx context.Context, recordName, inst string) (*records.Inst, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return s.getInst(recordName, inst)
}

func (s *Store) getInst(recordName, inst string) (*records.Inst, error) {
	var rec records.Inst
	ok, err := s.getValue(instKey(recordName, inst), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ListInstsByRecord pages cached insts of a record ordered by name
func (s *Store) ListInstsByRecord(ctx context.Context, recordName, startingInst string) ([]*records.Inst, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}

	prefix := instRecordPrefix(recordName)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: updatelog.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	start := prefix
	if startingInst != "" {
		start = append(append([]byte(nil), prefix...), startingInst...)
	}

	out := make([]*records.Inst, 0)
	for iter.SeekGE(start); iter.Valid() && len(out) < s.pageSize; iter.Next() {
		if startingInst != "" && string(iter.Key()[len(prefix):]) == startingInst {
			continue
		}
		var rec records.Inst
		if err := encoding.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode inst %q: %w", iter.Key(), err)
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

// DeleteInst removes the inst record and everything DeleteAllInstBranchInfo removes
func (s *Store) DeleteInst(ctx context.Context, recordName, inst string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.log.DeleteInst(ctx, recordName, inst, func(b *pebble.Batch, _ []string) error {
		if err := deleteBranchInfos(b, recordName, inst); err != nil {
			return err
		}
		return b.Delete(instKey(recordName, inst), nil)
	})
}

// DeleteAllInstBranchInfo drops every branch log, size, merge marker and
// branch info of an inst plus the inst size, in one batch. The inst record
// itself stays.
func (s *Store) DeleteAllInstBranchInfo(ctx context.Context, recordName, inst string) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.log.DeleteInst(ctx, recordName, inst, func(b *pebble.Batch, _ []string) error {
		return deleteBranchInfos(b, recordName, inst)
	})
}

func deleteBranchInfos(b *pebble.Batch, recordName, inst string) error {
	prefix := branchInfoPrefix(recordName, inst)
	return b.DeleteRange(prefix, updatelog.PrefixUpperBound(prefix), nil)
}

// SaveBranch creates or updates branch info. The cache accepts branches of
// insts it has not seen; existence is enforced by the durable store.
func (s *Store) SaveBranch(ctx context.Context, branch *records.Branch) (records.Result, error) {
	if err := s.checkOpen(ctx); err != nil {
		return records.Result{}, err
	}
	key := branch.Key()
	if err := records.ValidateBranchKey(key); err != nil {
		return records.Result{}, err
	}

	unlock := s.log.LockInst(key.RecordName, key.Inst)
	defer unlock()

	rec := *branch
	existing, err := s.getBranch(key)
	if err != nil {
		return records.Result{}, err
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt == 0 {
		rec.CreatedAt = s.clock.NowMillis()
	}

	if err := s.setValue(branchInfoKey(key), &rec); err != nil {
		return records.Result{}, fmt.Errorf("save branch %s: %w", key, err)
	}
	return records.OK(), nil
}

// onBranchCreated writes default branch info on the first append when none exists
func (s *Store) onBranchCreated(b *pebble.Batch, key records.BranchKey, now int64) error {
	existing, err := s.getBranch(key)
	if err != nil || existing != nil {
		return err
	}
	data, err := encoding.Marshal(&records.Branch{
		RecordName: key.RecordName,
		Inst:       key.Inst,
		Branch:     key.Branch,
		Temporary:  key.RecordName == "",
		CreatedAt:  now,
	})
	if err != nil {
		return err
	}
	return b.Set(branchInfoKey(key), data, nil)
}

// GetBranchByName returns nil when the branch is not cached
func (s *Store) GetBranchByName(ctx context.Context, key records.BranchKey) (*records.Branch, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return s.getBranch(key)
}

func (s *Store) getBranch(key records.BranchKey) (*records.Branch, error) {
	var rec records.Branch
	ok, err := s.getValue(branchInfoKey(key), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// ListBranches returns every cached branch of an inst ordered by name
func (s *Store) ListBranches(ctx context.Context, recordName, inst string) ([]*records.Branch, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}

	prefix := branchInfoPrefix(recordName, inst)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: updatelog.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]*records.Branch, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec records.Branch
		if err := encoding.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode branch %q: %w", iter.Key(), err)
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

// DeleteBranch removes the branch log, counters and info
func (s *Store) DeleteBranch(ctx context.Context, key records.BranchKey) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.log.DeleteBranch(ctx, key, func(b *pebble.Batch) error {
		return b.Delete(branchInfoKey(key), nil)
	})
}

func (s *Store) AddUpdates(ctx context.Context, key records.BranchKey, updates []string, sizeInBytes int64) (records.Result, error) {
	if err := s.checkOpen(ctx); err != nil {
		return records.Result{}, err
	}
	return s.log.AddUpdates(ctx, key, updates, sizeInBytes)
}

func (s *Store) ReplaceCurrentUpdates(ctx context.Context, key records.BranchKey, r records.Replacement) (records.Result, error) {
	if err := s.checkOpen(ctx); err != nil {
		return records.Result{}, err
	}
	return s.log.ReplaceUpdates(ctx, key, r)
}

// RestoreUpdates seeds an uncached branch with updates loaded from the
// durable store. Reports false when the branch already had a log.
func (s *Store) RestoreUpdates(ctx context.Context, key records.BranchKey, u *records.Updates) (bool, error) {
	if err := s.checkOpen(ctx); err != nil {
		return false, err
	}
	return s.log.Restore(ctx, key, u)
}

// GetCurrentUpdates returns the cached log, or nil when none is cached
func (s *Store) GetCurrentUpdates(ctx context.Context, key records.BranchKey) (*records.Updates, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	return s.log.GetUpdates(ctx, key)
}

// GetAllUpdates is the cached log. History flushed away from the cache is
// only known to the durable store.
func (s *Store) GetAllUpdates(ctx context.Context, key records.BranchKey) (*records.Updates, error) {
	return s.GetCurrentUpdates(ctx, key)
}

func (s *Store) CountUpdates(ctx context.Context, key records.BranchKey) (int, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	return s.log.CountUpdates(ctx, key)
}

func (s *Store) GetInstSize(ctx context.Context, recordName, inst string) (int64, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	return s.log.InstSize(ctx, recordName, inst)
}

// Close releases the DB when the store opened it. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) setValue(key []byte, v interface{}) error {
	data, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, s.log.WriteOptions())
}

func (s *Store) getValue(key []byte, v interface{}) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := encoding.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}
