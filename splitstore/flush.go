package splitstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/branchsync/publisher"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/telemetry"
	"github.com/rs/zerolog/log"
)

// FlushStats summarizes one flush pass
type FlushStats struct {
	Generation int64         `json:"generation"`
	Branches   int           `json:"branches"`
	Flushed    int           `json:"flushed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// DirtyStats reports the active generation and the size of its set
func (s *Store) DirtyStats(ctx context.Context) (int64, int, error) {
	gen, err := s.cache.GetDirtyBranchGeneration(ctx)
	if err != nil {
		return 0, 0, err
	}
	keys, err := s.cache.ListDirtyBranches(ctx, gen)
	if err != nil {
		return 0, 0, err
	}
	return gen, len(keys), nil
}

// FlushDirtyBranches copies every dirty branch from the cache into the
// durable store.
//
// The active generation G is closed by advancing to G+1, so writes racing
// with the pass mark into the next set. Sets of G and G-1 are drained; G-1
// only has entries when a previous pass died before clearing it. Branches
// whose persist fails are marked again and picked up by the next pass.
//
// The first pass lifts the active generation above the highest one the
// durable store holds, so a fresh or wiped cache does not restart below it.
func (s *Store) FlushDirtyBranches(ctx context.Context) (stats FlushStats, err error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	defer func() {
		stats.Duration = time.Since(start)
		telemetry.FlushDurationSeconds.Observe(stats.Duration.Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		} else if stats.Failed > 0 {
			result = "partial"
		}
		telemetry.FlushesTotal.With(result).Inc()
	}()

	if err := s.liftGeneration(ctx); err != nil {
		return stats, err
	}

	gen, err := s.cache.GetDirtyBranchGeneration(ctx)
	if err != nil {
		return stats, fmt.Errorf("read dirty generation: %w", err)
	}
	stats.Generation = gen

	if err := s.cache.SetDirtyBranchGeneration(ctx, gen+1); err != nil {
		return stats, fmt.Errorf("advance dirty generation: %w", err)
	}

	keys, err := s.collectDirty(ctx, gen)
	if err != nil {
		return stats, err
	}
	stats.Branches = len(keys)

	events := make([]publisher.BranchEvent, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			// unvisited branches go back into the active set
			s.remark(ctx, key)
			stats.Failed++
			continue
		}

		updates, err := s.cache.GetCurrentUpdates(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("branch", key.String()).Msg("Failed to read dirty branch")
			s.remark(ctx, key)
			stats.Failed++
			continue
		}
		if updates == nil {
			// deleted after it was marked
			stats.Skipped++
			continue
		}

		err = s.durable.PersistUpdates(ctx, key, updates, gen)
		if errors.Is(err, records.ErrStaleSnapshot) {
			// stored from a newer generation; retry once the generation is lifted
			log.Warn().Err(err).Str("branch", key.String()).Msg("Durable branch is ahead of the dirty generation")
			s.generationLifted = false
			s.remark(ctx, key)
			stats.Skipped++
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("branch", key.String()).Msg("Failed to persist dirty branch")
			s.remark(ctx, key)
			stats.Failed++
			continue
		}

		stats.Flushed++
		events = append(events, publisher.BranchEvent{
			Type:        publisher.EventBranchFlushed,
			RecordName:  key.RecordName,
			Inst:        key.Inst,
			Branch:      key.Branch,
			Generation:  gen,
			Updates:     updates.Len(),
			SizeInBytes: updates.BranchSizeInBytes,
		})
	}

	telemetry.FlushedBranchesTotal.Add(float64(stats.Flushed))
	telemetry.FlushFailedBranchesTotal.Add(float64(stats.Failed))
	s.emit(events...)

	for _, g := range []int64{gen - 1, gen} {
		if g < 0 {
			continue
		}
		if err := s.cache.ClearDirtyBranches(ctx, g); err != nil {
			return stats, fmt.Errorf("clear dirty generation %d: %w", g, err)
		}
	}

	if stats.Branches > 0 {
		log.Info().
			Int64("generation", gen).
			Int("branches", stats.Branches).
			Int("flushed", stats.Flushed).
			Int("failed", stats.Failed).
			Int("skipped", stats.Skipped).
			Msg("Flushed dirty branches")
	}
	return stats, nil
}

// liftGeneration moves the active generation past the highest generation
// the durable store persisted from. Branches already marked in the current
// and previous generation are carried over into the new one.
func (s *Store) liftGeneration(ctx context.Context) error {
	if s.generationLifted {
		return nil
	}

	floor, err := s.durable.MaxFlushedGeneration(ctx)
	if err != nil {
		return fmt.Errorf("read durable generation: %w", err)
	}
	gen, err := s.cache.GetDirtyBranchGeneration(ctx)
	if err != nil {
		return fmt.Errorf("read dirty generation: %w", err)
	}
	if gen > floor {
		s.generationLifted = true
		return nil
	}

	target := floor + 1
	if err := s.cache.SetDirtyBranchGeneration(ctx, target); err != nil {
		return fmt.Errorf("lift dirty generation: %w", err)
	}
	keys, err := s.collectDirty(ctx, gen)
	if err != nil {
		return err
	}
	for _, key := range keys {
		s.remark(ctx, key)
	}
	for _, g := range []int64{gen - 1, gen} {
		if g < 0 {
			continue
		}
		if err := s.cache.ClearDirtyBranches(ctx, g); err != nil {
			return fmt.Errorf("clear dirty generation %d: %w", g, err)
		}
	}

	log.Info().
		Int64("from", gen).
		Int64("to", target).
		Int("branches", len(keys)).
		Msg("Lifted dirty generation above durable store")
	s.generationLifted = true
	return nil
}

// collectDirty returns the union of the sets of gen-1 and gen
func (s *Store) collectDirty(ctx context.Context, gen int64) ([]records.BranchKey, error) {
	seen := make(map[records.BranchKey]struct{})
	out := make([]records.BranchKey, 0)
	for _, g := range []int64{gen - 1, gen} {
		if g < 0 {
			continue
		}
		keys, err := s.cache.ListDirtyBranches(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("list dirty generation %d: %w", g, err)
		}
		for _, k := range keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) remark(ctx context.Context, key records.BranchKey) {
	if err := s.cache.MarkBranchAsDirty(context.WithoutCancel(ctx), key); err != nil {
		log.Error().Err(err).Str("branch", key.String()).Msg("Failed to re-mark branch as dirty")
	}
}
