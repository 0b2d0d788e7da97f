package cachestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/telemetry"
	"github.com/maxpert/branchsync/updatelog"
	"github.com/rs/zerolog/log"
)

func dirtyPrefix(generation int64) []byte {
	k := make([]byte, 0, len(prefixDirty)+9)
	k = append(k, prefixDirty...)
	k = binary.BigEndian.AppendUint64(k, uint64(generation))
	return append(k, '/')
}

func dirtyKey(generation int64, ns string) []byte {
	return append(dirtyPrefix(generation), ns...)
}

func (s *Store) loadGeneration() (int64, error) {
	val, closer, err := s.db.Get([]byte(keyDirtyGen))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0, nil
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// MarkBranchAsDirty adds the branch to the active generation's set.
// Marking an already marked branch is a no-op.
func (s *Store) MarkBranchAsDirty(ctx context.Context, key records.BranchKey) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if err := records.ValidateBranchKey(key); err != nil {
		return err
	}

	s.genMu.RLock()
	defer s.genMu.RUnlock()

	gen := s.generation
	ns := updatelog.Namespace(key)
	dk := dirtyKey(gen, ns)

	if s.filter.check(gen, ns) {
		_, closer, err := s.db.Get(dk)
		if err == nil {
			closer.Close()
			recordFilterCheck("slow_path_hit")
			return nil
		}
		if !errors.Is(err, pebble.ErrNotFound) {
			return err
		}
		recordFilterCheck("slow_path_miss")
	} else {
		recordFilterCheck("fast_path")
	}

	data, err := encoding.Marshal(key)
	if err != nil {
		return err
	}
	if err := s.db.Set(dk, data, s.log.WriteOptions()); err != nil {
		return fmt.Errorf("mark %s dirty: %w", key, err)
	}
	s.filter.add(gen, ns)
	return nil
}

// GetDirtyBranchGeneration returns the active generation
func (s *Store) GetDirtyBranchGeneration(ctx context.Context) (int64, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.generation, nil
}

// SetDirtyBranchGeneration makes generation the active one. Marks in flight
// finish in the old generation before the switch; later marks land in the
// new one. Generations only move forward.
func (s *Store) SetDirtyBranchGeneration(ctx context.Context, generation int64) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	if generation <= s.generation {
		return fmt.Errorf("dirty generation must advance: current %d, requested %d", s.generation, generation)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(generation))
	if err := s.db.Set([]byte(keyDirtyGen), buf, pebble.Sync); err != nil {
		return fmt.Errorf("persist dirty generation: %w", err)
	}

	log.Debug().Int64("from", s.generation).Int64("to", generation).Msg("Advanced dirty generation")
	s.generation = generation
	telemetry.DirtyGeneration.Set(float64(generation))
	return nil
}

// ListDirtyBranches enumerates the set of a generation
func (s *Store) ListDirtyBranches(ctx context.Context, generation int64) ([]records.BranchKey, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}

	prefix := dirtyPrefix(generation)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: updatelog.PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]records.BranchKey, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var key records.BranchKey
		if err := encoding.Unmarshal(iter.Value(), &key); err != nil {
			return nil, fmt.Errorf("decode dirty entry %q: %w", iter.Key(), err)
		}
		out = append(out, key)
	}
	return out, iter.Error()
}

// ClearDirtyBranches empties the set of a generation
func (s *Store) ClearDirtyBranches(ctx context.Context, generation int64) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}

	prefix := dirtyPrefix(generation)
	if err := s.db.DeleteRange(prefix, updatelog.PrefixUpperBound(prefix), s.log.WriteOptions()); err != nil {
		return fmt.Errorf("clear dirty generation %d: %w", generation, err)
	}
	s.filter.drop(generation)
	return nil
}

// DirtyStats reports the active generation and the size of its set
func (s *Store) DirtyStats(ctx context.Context) (int64, int, error) {
	gen, err := s.GetDirtyBranchGeneration(ctx)
	if err != nil {
		return 0, 0, err
	}
	keys, err := s.ListDirtyBranches(ctx, gen)
	if err != nil {
		return 0, 0, err
	}
	return gen, len(keys), nil
}
