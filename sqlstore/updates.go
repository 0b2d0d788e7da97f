package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/records"
	"github.com/rs/zerolog/log"
)

type updateRow struct {
	Seq     int64  `db:"seq"`
	TS      int64  `db:"ts"`
	Payload []byte `db:"payload"`
}

type historyRow struct {
	ID      int64  `db:"id"`
	TS      int64  `db:"ts"`
	Payload []byte `db:"payload"`
}

// instSize sums the inst's branch sizes, locking its branch rows on MySQL.
// The sqlite3 dialect renders FOR UPDATE as nothing; the single immediate
// write connection already serializes writers there.
func instSize(ctx context.Context, tx *goqu.TxDatabase, recordName, inst string) (int64, error) {
	var size int64
	_, err := tx.From(tableBranch).
		Select(goqu.COALESCE(goqu.SUM("size_in_bytes"), 0)).
		Where(instWhere(recordName, inst)).
		ForUpdate(exp.Wait).
		ScanValContext(ctx, &size)
	return size, err
}

func lastSeq(ctx context.Context, tx *goqu.TxDatabase, key records.BranchKey) (int64, error) {
	var seq int64
	_, err := tx.From(tableUpdates).
		Select(goqu.COALESCE(goqu.MAX("seq"), 0)).
		Where(branchWhere(key)).
		ScanValContext(ctx, &seq)
	return seq, err
}

// appendRows inserts entries into the current set after seq and into history
func appendRows(ctx context.Context, tx *goqu.TxDatabase, key records.BranchKey, seq int64, updates []string, timestamps []int64) error {
	if len(updates) == 0 {
		return nil
	}
	current := make([]interface{}, 0, len(updates))
	history := make([]interface{}, 0, len(updates))
	for i, u := range updates {
		payload := compressPayload(u)
		current = append(current, goqu.Record{
			"record_name": key.RecordName,
			"inst":        key.Inst,
			"branch":      key.Branch,
			"seq":         seq + int64(i) + 1,
			"ts":          timestamps[i],
			"payload":     payload,
		})
		history = append(history, goqu.Record{
			"record_name": key.RecordName,
			"inst":        key.Inst,
			"branch":      key.Branch,
			"ts":          timestamps[i],
			"hash":        payloadHash(u),
			"payload":     payload,
		})
	}
	if _, err := tx.Insert(tableUpdates).Rows(current...).Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("insert updates: %w", err)
	}
	if _, err := tx.Insert(tableHistory).Rows(history...).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// prepareBranch loads the branch row, creating the inst and branch rows on
// the first write
func (s *Store) prepareBranch(ctx context.Context, tx *goqu.TxDatabase, key records.BranchKey, now int64) (branchRow, error) {
	row, found, err := getBranchRow(ctx, tx, key)
	if err != nil || found {
		return row, err
	}
	if err := ensureInstRow(ctx, tx, key.RecordName, key.Inst, now); err != nil {
		return row, err
	}
	if err := insertBranchRow(ctx, tx, key, false, now, now); err != nil {
		return row, err
	}
	return branchRow{
		RecordName:        key.RecordName,
		Inst:              key.Inst,
		Branch:            key.Branch,
		FlushedGeneration: -1,
		CreatedAt:         now,
	}, nil
}

// AddUpdates appends updates under the same quota rules as the cache log.
func (s *Store) AddUpdates(ctx context.Context, key records.BranchKey, updates []string, sizeInBytes int64) (res records.Result, err error) {
	defer observe("add_updates", time.Now(), &err)

	if err := records.ValidateBranchKey(key); err != nil {
		return records.Result{}, err
	}
	now := s.clock.NowMillis()
	limits := s.limits(key.RecordName, key.Inst)

	unlock := s.lockInst(key.RecordName, key.Inst)
	defer unlock()

	err = s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		iSize, err := instSize(ctx, tx, key.RecordName, key.Inst)
		if err != nil {
			return err
		}
		row, found, err := getBranchRow(ctx, tx, key)
		if err != nil {
			return err
		}
		var ok bool
		if res, ok = records.CheckSize(key.Branch, limits, row.SizeInBytes+sizeInBytes, iSize+sizeInBytes); !ok {
			return nil
		}
		if !found {
			if row, err = s.prepareBranch(ctx, tx, key, now); err != nil {
				return err
			}
		}

		seq, err := lastSeq(ctx, tx, key)
		if err != nil {
			return err
		}
		timestamps := make([]int64, len(updates))
		for i := range timestamps {
			timestamps[i] = now
		}
		if err := appendRows(ctx, tx, key, seq, updates, timestamps); err != nil {
			return err
		}
		_, err = tx.Update(tableBranch).
			Set(goqu.Record{"size_in_bytes": row.SizeInBytes + sizeInBytes}).
			Where(branchWhere(key)).
			Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return records.Result{}, fmt.Errorf("add updates to %s: %w", key, err)
	}
	return res, nil
}

// ReplaceCurrentUpdates compacts the current set with the same merge
// timestamp rules as the cache log.
func (s *Store) ReplaceCurrentUpdates(ctx context.Context, key records.BranchKey, r records.Replacement) (res records.Result, err error) {
	defer observe("replace_updates", time.Now(), &err)

	if err := records.ValidateBranchKey(key); err != nil {
		return records.Result{}, err
	}
	now := s.clock.NowMillis()
	limits := s.limits(key.RecordName, key.Inst)

	unlock := s.lockInst(key.RecordName, key.Inst)
	defer unlock()

	err = s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		iSize, err := instSize(ctx, tx, key.RecordName, key.Inst)
		if err != nil {
			return err
		}
		row, found, err := getBranchRow(ctx, tx, key)
		if err != nil {
			return err
		}

		removeCount := len(r.Remove.Updates)
		trim := removeCount > 0
		candidate := encoding.NoTimestamp
		if trim && len(r.Remove.Timestamps) > 0 {
			candidate = r.Remove.Timestamps[0]
		}
		if trim && row.LastMergeTS != nil && *row.LastMergeTS >= candidate {
			trim = false
		}

		delta := r.AddSizeInBytes
		if trim {
			delta -= r.RemoveSizeInBytes
		}
		var ok bool
		if res, ok = records.CheckSize(key.Branch, limits, row.SizeInBytes+delta, iSize+delta); !ok {
			return nil
		}
		if !found {
			if row, err = s.prepareBranch(ctx, tx, key, now); err != nil {
				return err
			}
		}

		set := goqu.Record{"size_in_bytes": max(row.SizeInBytes+delta, 0)}
		if trim {
			set["last_merge_ts"] = candidate
			if err := trimRows(ctx, tx, key, removeCount); err != nil {
				return err
			}
		}

		seq, err := lastSeq(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := appendRows(ctx, tx, key, seq, []string{r.Add}, []int64{now}); err != nil {
			return err
		}
		_, err = tx.Update(tableBranch).Set(set).Where(branchWhere(key)).Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return records.Result{}, fmt.Errorf("replace updates of %s: %w", key, err)
	}
	return res, nil
}

// trimRows deletes the n lowest sequence entries of the current set
func trimRows(ctx context.Context, tx *goqu.TxDatabase, key records.BranchKey, n int) error {
	var seqs []int64
	err := tx.From(tableUpdates).
		Select("seq").
		Where(branchWhere(key)).
		Order(goqu.C("seq").Asc()).
		Limit(uint(n)).
		ScanValsContext(ctx, &seqs)
	if err != nil || len(seqs) == 0 {
		return err
	}
	_, err = tx.Delete(tableUpdates).
		Where(branchWhere(key), goqu.C("seq").Lte(seqs[len(seqs)-1])).
		Executor().ExecContext(ctx)
	return err
}

// GetCurrentUpdates returns the last persisted current set, or nil when the
// branch does not exist
func (s *Store) GetCurrentUpdates(ctx context.Context, key records.BranchKey) (out *records.Updates, err error) {
	defer observe("get_current_updates", time.Now(), &err)

	var branch branchRow
	found, err := s.read.From(tableBranch).Where(branchWhere(key)).ScanStructContext(ctx, &branch)
	if err != nil || !found {
		return nil, err
	}

	var rows []updateRow
	err = s.read.From(tableUpdates).
		Where(branchWhere(key)).
		Order(goqu.C("seq").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out = &records.Updates{
		Updates:           make([]string, 0, len(rows)),
		Timestamps:        make([]int64, 0, len(rows)),
		BranchSizeInBytes: branch.SizeInBytes,
	}
	for _, r := range rows {
		u, err := decompressPayload(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode update %d of %s: %w", r.Seq, key, err)
		}
		out.Updates = append(out.Updates, u)
		out.Timestamps = append(out.Timestamps, r.TS)
	}
	return out, nil
}

// GetAllUpdates returns every update ever persisted for the branch in
// persistence order, including entries compacted out of the current set.
func (s *Store) GetAllUpdates(ctx context.Context, key records.BranchKey) (out *records.Updates, err error) {
	defer observe("get_all_updates", time.Now(), &err)

	var branch branchRow
	found, err := s.read.From(tableBranch).Where(branchWhere(key)).ScanStructContext(ctx, &branch)
	if err != nil || !found {
		return nil, err
	}

	var rows []historyRow
	err = s.read.From(tableHistory).
		Where(branchWhere(key)).
		Order(goqu.C("id").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out = &records.Updates{
		Updates:           make([]string, 0, len(rows)),
		Timestamps:        make([]int64, 0, len(rows)),
		BranchSizeInBytes: branch.SizeInBytes,
	}
	for _, r := range rows {
		u, err := decompressPayload(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode history %d of %s: %w", r.ID, key, err)
		}
		out.Updates = append(out.Updates, u)
		out.Timestamps = append(out.Timestamps, r.TS)
	}
	return out, nil
}

func (s *Store) CountUpdates(ctx context.Context, key records.BranchKey) (n int, err error) {
	defer observe("count_updates", time.Now(), &err)

	count, err := s.read.From(tableUpdates).Where(branchWhere(key)).CountContext(ctx)
	return int(count), err
}

func (s *Store) GetInstSize(ctx context.Context, recordName, inst string) (size int64, err error) {
	defer observe("inst_size", time.Now(), &err)

	_, err = s.read.From(tableBranch).
		Select(goqu.COALESCE(goqu.SUM("size_in_bytes"), 0)).
		Where(instWhere(recordName, inst)).
		ScanValContext(ctx, &size)
	return size, err
}

// PersistUpdates replaces the current set of a branch with a snapshot taken
// in generation and appends entries history has not seen. Snapshots from a
// generation older than the last persisted one are left out and reported as
// records.ErrStaleSnapshot; replays of the same generation converge to the
// same rows.
func (s *Store) PersistUpdates(ctx context.Context, key records.BranchKey, updates *records.Updates, generation int64) (err error) {
	defer observe("persist_updates", time.Now(), &err)

	if err := records.ValidateBranchKey(key); err != nil {
		return err
	}
	if updates == nil {
		return nil
	}
	now := s.clock.NowMillis()

	unlock := s.lockInst(key.RecordName, key.Inst)
	defer unlock()

	return s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		row, err := s.prepareBranch(ctx, tx, key, now)
		if err != nil {
			return err
		}
		if row.FlushedGeneration > generation {
			log.Debug().
				Str("branch", key.String()).
				Int64("stored", row.FlushedGeneration).
				Int64("snapshot", generation).
				Msg("Dropping stale branch snapshot")
			return fmt.Errorf("%w: %s stored from generation %d, snapshot from %d",
				records.ErrStaleSnapshot, key, row.FlushedGeneration, generation)
		}

		if _, err := tx.Delete(tableUpdates).Where(branchWhere(key)).Executor().ExecContext(ctx); err != nil {
			return fmt.Errorf("clear current updates: %w", err)
		}
		if err := appendRows(ctx, tx, key, 0, updates.Updates, updates.Timestamps); err != nil {
			return err
		}
		_, err = tx.Update(tableBranch).
			Set(goqu.Record{
				"size_in_bytes":      updates.BranchSizeInBytes,
				"flushed_generation": generation,
			}).
			Where(branchWhere(key)).
			Executor().ExecContext(ctx)
		return err
	})
}

// MaxFlushedGeneration returns the highest generation a branch was persisted
// from, or -1 when no branch was persisted yet
func (s *Store) MaxFlushedGeneration(ctx context.Context) (gen int64, err error) {
	defer observe("max_flushed_generation", time.Now(), &err)

	_, err = s.read.From(tableBranch).
		Select(goqu.COALESCE(goqu.MAX("flushed_generation"), -1)).
		ScanValContext(ctx, &gen)
	return gen, err
}
