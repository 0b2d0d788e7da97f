// Package splitstore combines the ephemeral cache and the durable store
// behind one records.Store. Writes land in the cache, where limits are
// enforced atomically; branches backed by a record are marked dirty and
// reach the durable store through FlushDirtyBranches.
package splitstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/branchsync/notify"
	"github.com/maxpert/branchsync/publisher"
	"github.com/maxpert/branchsync/records"
	"github.com/rs/zerolog/log"
)

// Emitter receives branch lifecycle events. *publisher.Publisher satisfies it.
type Emitter interface {
	Emit(events ...publisher.BranchEvent) error
}

// Options carries the optional collaborators of a Store
type Options struct {
	Hub    *notify.Hub
	Events Emitter
}

// Store implements records.Store over a cache and a durable backend
type Store struct {
	cache   records.CacheStore
	durable records.DurableStore
	hub     *notify.Hub
	events  Emitter

	// serializes flush passes
	flushMu sync.Mutex
	// set once the dirty generation is known to be above every generation
	// the durable store persisted from; guarded by flushMu
	generationLifted bool
}

var _ records.Store = (*Store)(nil)

func New(cache records.CacheStore, durable records.DurableStore, opts Options) *Store {
	return &Store{
		cache:   cache,
		durable: durable,
		hub:     opts.Hub,
		events:  opts.Events,
	}
}

// Cache exposes the cache backend
func (s *Store) Cache() records.CacheStore { return s.cache }

// Durable exposes the durable backend
func (s *Store) Durable() records.DurableStore { return s.durable }

// durableRecord reports whether insts of the record live in the durable store
func durableRecord(recordName string) bool {
	return recordName != ""
}

func (s *Store) signal(kind notify.Kind, key records.BranchKey) {
	if s.hub != nil {
		s.hub.Signal(kind, key)
	}
}

func (s *Store) emit(events ...publisher.BranchEvent) {
	if s.events == nil || len(events) == 0 {
		return
	}
	if err := s.events.Emit(events...); err != nil {
		log.Warn().Err(err).Int("events", len(events)).Msg("Failed to record branch events")
	}
}

func (s *Store) SaveInst(ctx context.Context, inst *records.Inst) (records.Result, error) {
	if durableRecord(inst.RecordName) {
		res, err := s.durable.SaveInst(ctx, inst)
		if err != nil || !res.Success {
			return res, err
		}
	}
	return s.cache.SaveInst(ctx, inst)
}

// GetInstByName reads through the cache, filling it from the durable store
func (s *Store) GetInstByName(ctx context.Context, recordName, inst string) (*records.Inst, error) {
	cached, err := s.cache.GetInstByName(ctx, recordName, inst)
	if err != nil || cached != nil || !durableRecord(recordName) {
		return cached, err
	}

	stored, err := s.durable.GetInstByName(ctx, recordName, inst)
	if err != nil || stored == nil {
		return stored, err
	}
	if _, err := s.cache.SaveInst(ctx, stored); err != nil {
		log.Warn().Err(err).Str("inst", recordName+"/"+inst).Msg("Failed to cache inst")
	}
	return stored, nil
}

func (s *Store) ListInstsByRecord(ctx context.Context, recordName, startingInst string) ([]*records.Inst, error) {
	if durableRecord(recordName) {
		return s.durable.ListInstsByRecord(ctx, recordName, startingInst)
	}
	return s.cache.ListInstsByRecord(ctx, recordName, startingInst)
}

func (s *Store) DeleteInst(ctx context.Context, recordName, inst string) error {
	if durableRecord(recordName) {
		if err := s.durable.DeleteInst(ctx, recordName, inst); err != nil {
			return fmt.Errorf("delete durable inst: %w", err)
		}
	}
	if err := s.cache.DeleteInst(ctx, recordName, inst); err != nil {
		return fmt.Errorf("delete cached inst: %w", err)
	}

	key := records.BranchKey{RecordName: recordName, Inst: inst}
	s.signal(notify.KindInstDeleted, key)
	s.emit(publisher.BranchEvent{Type: publisher.EventInstDeleted, RecordName: recordName, Inst: inst})
	return nil
}

func (s *Store) SaveBranch(ctx context.Context, branch *records.Branch) (records.Result, error) {
	if durableRecord(branch.RecordName) && !branch.Temporary {
		res, err := s.durable.SaveBranch(ctx, branch)
		if err != nil || !res.Success {
			return res, err
		}
	}
	return s.cache.SaveBranch(ctx, branch)
}

func (s *Store) GetBranchByName(ctx context.Context, key records.BranchKey) (*records.Branch, error) {
	cached, err := s.cache.GetBranchByName(ctx, key)
	if err != nil || cached != nil || !durableRecord(key.RecordName) {
		return cached, err
	}

	stored, err := s.durable.GetBranchByName(ctx, key)
	if err != nil || stored == nil {
		return stored, err
	}
	if _, err := s.cache.SaveBranch(ctx, stored); err != nil {
		log.Warn().Err(err).Str("branch", key.String()).Msg("Failed to cache branch")
	}
	return stored, nil
}

// ListBranches merges durable branches with branches only the cache knows,
// such as temporary ones. Cached entries win.
func (s *Store) ListBranches(ctx context.Context, recordName, inst string) ([]*records.Branch, error) {
	cached, err := s.cache.ListBranches(ctx, recordName, inst)
	if err != nil || !durableRecord(recordName) {
		return cached, err
	}
	stored, err := s.durable.ListBranches(ctx, recordName, inst)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*records.Branch, len(cached)+len(stored))
	for _, b := range stored {
		byName[b.Branch] = b
	}
	for _, b := range cached {
		byName[b.Branch] = b
	}
	out := make([]*records.Branch, 0, len(byName))
	for _, b := range byName {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out, nil
}

func (s *Store) DeleteBranch(ctx context.Context, key records.BranchKey) error {
	if durableRecord(key.RecordName) {
		if err := s.durable.DeleteBranch(ctx, key); err != nil {
			return fmt.Errorf("delete durable branch: %w", err)
		}
	}
	if err := s.cache.DeleteBranch(ctx, key); err != nil {
		return fmt.Errorf("delete cached branch: %w", err)
	}

	s.signal(notify.KindBranchDeleted, key)
	s.emit(publisher.BranchEvent{Type: publisher.EventBranchDeleted, RecordName: key.RecordName, Inst: key.Inst, Branch: key.Branch})
	return nil
}

// prepareWrite makes sure a durable branch whose log is missing from the
// cache is loaded before it is written, so sizes and limits account for
// persisted updates and the next flush does not replace them. Cached branch
// info without a log, as left by GetBranchByName or SaveBranch, still loads.
// Reports whether the branch is durable-backed.
func (s *Store) prepareWrite(ctx context.Context, key records.BranchKey) (bool, error) {
	if !durableRecord(key.RecordName) {
		return false, nil
	}
	info, err := s.cache.GetBranchByName(ctx, key)
	if err != nil {
		return false, err
	}
	if info != nil && info.Temporary {
		return false, nil
	}

	cached, err := s.cache.GetCurrentUpdates(ctx, key)
	if err != nil {
		return false, err
	}
	if cached != nil {
		return true, nil
	}

	stored, err := s.durable.GetCurrentUpdates(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load durable branch %s: %w", key, err)
	}
	if stored != nil {
		if _, err := s.cache.RestoreUpdates(ctx, key, stored); err != nil {
			return false, fmt.Errorf("restore branch %s: %w", key, err)
		}
	}
	return true, nil
}

func (s *Store) afterWrite(ctx context.Context, key records.BranchKey, durable bool) error {
	if durable {
		if err := s.cache.MarkBranchAsDirty(ctx, key); err != nil {
			return fmt.Errorf("mark %s dirty: %w", key, err)
		}
	}
	s.signal(notify.KindUpdated, key)
	return nil
}

func (s *Store) AddUpdates(ctx context.Context, key records.BranchKey, updates []string, sizeInBytes int64) (records.Result, error) {
	durable, err := s.prepareWrite(ctx, key)
	if err != nil {
		return records.Result{}, err
	}
	res, err := s.cache.AddUpdates(ctx, key, updates, sizeInBytes)
	if err != nil || !res.Success {
		return res, err
	}
	return res, s.afterWrite(ctx, key, durable)
}

func (s *Store) ReplaceCurrentUpdates(ctx context.Context, key records.BranchKey, r records.Replacement) (records.Result, error) {
	durable, err := s.prepareWrite(ctx, key)
	if err != nil {
		return records.Result{}, err
	}
	res, err := s.cache.ReplaceCurrentUpdates(ctx, key, r)
	if err != nil || !res.Success {
		return res, err
	}
	return res, s.afterWrite(ctx, key, durable)
}

// GetCurrentUpdates reads the cached log, restoring it from the durable
// store when the cache has none.
func (s *Store) GetCurrentUpdates(ctx context.Context, key records.BranchKey) (*records.Updates, error) {
	cached, err := s.cache.GetCurrentUpdates(ctx, key)
	if err != nil || cached != nil || !durableRecord(key.RecordName) {
		return cached, err
	}

	stored, err := s.durable.GetCurrentUpdates(ctx, key)
	if err != nil || stored == nil {
		return stored, err
	}
	if _, err := s.cache.RestoreUpdates(ctx, key, stored); err != nil {
		log.Warn().Err(err).Str("branch", key.String()).Msg("Failed to restore branch into cache")
	}
	return stored, nil
}

// GetAllUpdates is durable history followed by cached entries history has
// not seen yet. Entries are equal when both payload and timestamp match.
func (s *Store) GetAllUpdates(ctx context.Context, key records.BranchKey) (*records.Updates, error) {
	cached, err := s.cache.GetCurrentUpdates(ctx, key)
	if err != nil || !durableRecord(key.RecordName) {
		return cached, err
	}
	history, err := s.durable.GetAllUpdates(ctx, key)
	if err != nil {
		return nil, err
	}
	if history == nil {
		return cached, nil
	}
	if cached == nil {
		return history, nil
	}

	type entry struct {
		update string
		ts     int64
	}
	seen := make(map[entry]struct{}, len(history.Updates))
	for i, u := range history.Updates {
		seen[entry{u, history.Timestamps[i]}] = struct{}{}
	}

	out := &records.Updates{
		Updates:           append([]string(nil), history.Updates...),
		Timestamps:        append([]int64(nil), history.Timestamps...),
		BranchSizeInBytes: cached.BranchSizeInBytes,
	}
	for i, u := range cached.Updates {
		if _, ok := seen[entry{u, cached.Timestamps[i]}]; ok {
			continue
		}
		out.Updates = append(out.Updates, u)
		out.Timestamps = append(out.Timestamps, cached.Timestamps[i])
	}
	return out, nil
}

func (s *Store) CountUpdates(ctx context.Context, key records.BranchKey) (int, error) {
	u, err := s.GetCurrentUpdates(ctx, key)
	if err != nil {
		return 0, err
	}
	return u.Len(), nil
}

// GetInstSize is the cached size. Branches never loaded into the cache are
// not counted.
func (s *Store) GetInstSize(ctx context.Context, recordName, inst string) (int64, error) {
	return s.cache.GetInstSize(ctx, recordName, inst)
}

// Close closes both backends
func (s *Store) Close() error {
	cacheErr := s.cache.Close()
	durableErr := s.durable.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return durableErr
}
