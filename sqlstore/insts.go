package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/records"
)

type instRow struct {
	RecordName         string `db:"record_name"`
	Inst               string `db:"inst"`
	Markers            []byte `db:"markers"`
	SubscriptionID     string `db:"subscription_id"`
	SubscriptionStatus string `db:"subscription_status"`
	SubscriptionType   string `db:"subscription_type"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

func (r *instRow) toInst() (*records.Inst, error) {
	markers, err := encoding.UnmarshalStrings(r.Markers)
	if err != nil {
		return nil, fmt.Errorf("decode markers of %s/%s: %w", r.RecordName, r.Inst, err)
	}
	return &records.Inst{
		RecordName:         r.RecordName,
		Inst:               r.Inst,
		Markers:            markers,
		SubscriptionID:     r.SubscriptionID,
		SubscriptionStatus: r.SubscriptionStatus,
		SubscriptionType:   r.SubscriptionType,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

type branchRow struct {
	RecordName        string `db:"record_name"`
	Inst              string `db:"inst"`
	Branch            string `db:"branch"`
	Temporary         bool   `db:"temporary"`
	SizeInBytes       int64  `db:"size_in_bytes"`
	FlushedGeneration int64  `db:"flushed_generation"`
	LastMergeTS       *int64 `db:"last_merge_ts"`
	CreatedAt         int64  `db:"created_at"`
}

func (r *branchRow) toBranch() *records.Branch {
	return &records.Branch{
		RecordName: r.RecordName,
		Inst:       r.Inst,
		Branch:     r.Branch,
		Temporary:  r.Temporary,
		CreatedAt:  r.CreatedAt,
	}
}

// SaveInst upserts an inst, keeping its creation time. Fails with
// record_not_found when the record lookup denies the record.
func (s *Store) SaveInst(ctx context.Context, inst *records.Inst) (res records.Result, err error) {
	defer observe("save_inst", time.Now(), &err)

	if err := records.ValidateInstKey(inst.RecordName, inst.Inst); err != nil {
		return records.Result{}, err
	}
	if inst.RecordName != "" && s.recordLookup != nil {
		ok, err := s.recordLookup(ctx, inst.RecordName)
		if err != nil {
			return records.Result{}, fmt.Errorf("look up record %q: %w", inst.RecordName, err)
		}
		if !ok {
			return records.RecordNotFound(inst.RecordName), nil
		}
	}

	markers, err := encoding.MarshalStrings(inst.Markers)
	if err != nil {
		return records.Result{}, err
	}
	now := s.clock.NowMillis()

	err = s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		var existing instRow
		found, err := tx.From(tableInsts).Where(instWhere(inst.RecordName, inst.Inst)).ScanStructContext(ctx, &existing)
		if err != nil {
			return err
		}
		values := goqu.Record{
			"markers":             markers,
			"subscription_id":     inst.SubscriptionID,
			"subscription_status": inst.SubscriptionStatus,
			"subscription_type":   inst.SubscriptionType,
			"updated_at":          now,
		}
		if found {
			_, err = tx.Update(tableInsts).Set(values).Where(instWhere(inst.RecordName, inst.Inst)).Executor().ExecContext(ctx)
			return err
		}
		createdAt := inst.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		values["record_name"] = inst.RecordName
		values["inst"] = inst.Inst
		values["created_at"] = createdAt
		_, err = tx.Insert(tableInsts).Rows(values).Executor().ExecContext(ctx)
		return err
	})
	if err != nil {
		return records.Result{}, fmt.Errorf("save inst %s: %w", inst.Key(), err)
	}
	return records.OK(), nil
}

// GetInstByName returns nil when the inst does not exist
func (s *Store) GetInstByName(ctx context.Context, recordName, inst string) (out *records.Inst, err error) {
	defer observe("get_inst", time.Now(), &err)

	var row instRow
	found, err := s.read.From(tableInsts).Where(instWhere(recordName, inst)).ScanStructContext(ctx, &row)
	if err != nil || !found {
		return nil, err
	}
	return row.toInst()
}

// ListInstsByRecord pages insts ordered by name, strictly after startingInst
func (s *Store) ListInstsByRecord(ctx context.Context, recordName, startingInst string) (out []*records.Inst, err error) {
	defer observe("list_insts", time.Now(), &err)

	ds := s.read.From(tableInsts).
		Where(goqu.C("record_name").Eq(recordName)).
		Order(goqu.C("inst").Asc()).
		Limit(s.pageSize)
	if startingInst != "" {
		ds = ds.Where(goqu.C("inst").Gt(startingInst))
	}

	var rows []instRow
	if err := ds.ScanStructsContext(ctx, &rows); err != nil {
		return nil, err
	}
	out = make([]*records.Inst, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].toInst()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// DeleteInst removes an inst with all branches, updates and history
func (s *Store) DeleteInst(ctx context.Context, recordName, inst string) (err error) {
	defer observe("delete_inst", time.Now(), &err)

	where := instWhere(recordName, inst)
	return s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		for _, table := range []string{tableHistory, tableUpdates, tableBranch, tableInsts} {
			if _, err := tx.Delete(table).Where(where).Executor().ExecContext(ctx); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

// SaveBranch upserts a branch. Fails with inst_not_found when the inst row
// does not exist.
func (s *Store) SaveBranch(ctx context.Context, branch *records.Branch) (res records.Result, err error) {
	defer observe("save_branch", time.Now(), &err)

	key := branch.Key()
	if err := records.ValidateBranchKey(key); err != nil {
		return records.Result{}, err
	}

	res = records.OK()
	err = s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		instCount, err := tx.From(tableInsts).Where(instWhere(key.RecordName, key.Inst)).CountContext(ctx)
		if err != nil {
			return err
		}
		if instCount == 0 {
			res = records.InstNotFound(key.Inst)
			return nil
		}

		_, found, err := getBranchRow(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			_, err = tx.Update(tableBranch).
				Set(goqu.Record{"temporary": branch.Temporary}).
				Where(branchWhere(key)).
				Executor().ExecContext(ctx)
			return err
		}
		return insertBranchRow(ctx, tx, key, branch.Temporary, branch.CreatedAt, s.clock.NowMillis())
	})
	if err != nil {
		return records.Result{}, fmt.Errorf("save branch %s: %w", key, err)
	}
	return res, nil
}

// GetBranchByName returns nil when the branch does not exist
func (s *Store) GetBranchByName(ctx context.Context, key records.BranchKey) (out *records.Branch, err error) {
	defer observe("get_branch", time.Now(), &err)

	var row branchRow
	found, err := s.read.From(tableBranch).Where(branchWhere(key)).ScanStructContext(ctx, &row)
	if err != nil || !found {
		return nil, err
	}
	return row.toBranch(), nil
}

// ListBranches returns every branch of an inst ordered by name
func (s *Store) ListBranches(ctx context.Context, recordName, inst string) (out []*records.Branch, err error) {
	defer observe("list_branches", time.Now(), &err)

	var rows []branchRow
	err = s.read.From(tableBranch).
		Where(instWhere(recordName, inst)).
		Order(goqu.C("branch").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out = make([]*records.Branch, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toBranch())
	}
	return out, nil
}

// DeleteBranch removes a branch with its updates and history
func (s *Store) DeleteBranch(ctx context.Context, key records.BranchKey) (err error) {
	defer observe("delete_branch", time.Now(), &err)

	where := branchWhere(key)
	return s.withTx(ctx, func(tx *goqu.TxDatabase) error {
		for _, table := range []string{tableHistory, tableUpdates, tableBranch} {
			if _, err := tx.Delete(table).Where(where).Executor().ExecContext(ctx); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

// getBranchRow reads the branch row inside a write transaction, locking it on MySQL
func getBranchRow(ctx context.Context, tx *goqu.TxDatabase, key records.BranchKey) (branchRow, bool, error) {
	var row branchRow
	found, err := tx.From(tableBranch).Where(branchWhere(key)).ForUpdate(exp.Wait).ScanStructContext(ctx, &row)
	return row, found, err
}

func insertBranchRow(ctx context.Context, tx *goqu.TxDatabase, key records.BranchKey, temporary bool, createdAt, now int64) error {
	if createdAt == 0 {
		createdAt = now
	}
	_, err := tx.Insert(tableBranch).Rows(goqu.Record{
		"record_name":        key.RecordName,
		"inst":               key.Inst,
		"branch":             key.Branch,
		"temporary":          temporary,
		"size_in_bytes":      0,
		"flushed_generation": -1,
		"created_at":         createdAt,
	}).Executor().ExecContext(ctx)
	return err
}

// ensureInstRow creates a bare inst row for insts created implicitly by writes
func ensureInstRow(ctx context.Context, tx *goqu.TxDatabase, recordName, inst string, now int64) error {
	_, err := tx.Insert(tableInsts).Rows(goqu.Record{
		"record_name": recordName,
		"inst":        inst,
		"created_at":  now,
		"updated_at":  now,
	}).OnConflict(goqu.DoNothing()).Executor().ExecContext(ctx)
	return err
}
