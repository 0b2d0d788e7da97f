// Package sqlstore is the durable inst and branch store. It runs on SQLite by
// default and on MySQL, with SQL built through goqu.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	tableInsts   = "insts"
	tableBranch  = "branches"
	tableUpdates = "branch_updates"
	tableHistory = "branch_update_history"

	instLockShards = 256
)

func init() {
	// Update payloads are binary; always bind them as parameters
	goqu.SetDefaultPrepared(true)
}

// Options configures a Store
type Options struct {
	Driver        cfg.DurableDriver
	DSN           string
	BusyTimeoutMS int
	ListPageSize  int
	Clock         clock.Clock
	Limits        records.LimitsFunc
	// RecordLookup rejects insts saved into unknown records. Nil accepts every record.
	RecordLookup records.RecordLookup
}

// Store implements records.DurableStore
type Store struct {
	write *goqu.Database
	read  *goqu.Database
	raw   []*sql.DB

	pageSize     uint
	clock        clock.Clock
	limits       records.LimitsFunc
	recordLookup records.RecordLookup

	// serializes size-checked writes of one inst within this process
	instLocks [instLockShards]sync.Mutex

	closed atomic.Bool
}

var _ records.DurableStore = (*Store)(nil)

// Open connects to the durable database and creates the schema
func Open(opts Options) (*Store, error) {
	s := &Store{
		pageSize:     uint(opts.ListPageSize),
		clock:        opts.Clock,
		limits:       opts.Limits,
		recordLookup: opts.RecordLookup,
	}
	if s.pageSize == 0 {
		s.pageSize = 10
	}
	if s.clock == nil {
		s.clock = clock.NewSystem()
	}
	if s.limits == nil {
		s.limits = records.StaticLimits(records.Limits{})
	}

	var err error
	switch opts.Driver {
	case cfg.DurableSQLite, "":
		err = s.openSQLite(opts.DSN, opts.BusyTimeoutMS)
	case cfg.DurableMySQL:
		err = s.openMySQL(opts.DSN)
	default:
		err = fmt.Errorf("unsupported durable driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("driver", string(opts.Driver)).Msg("Durable store ready")
	return s, nil
}

// openSQLite uses one write connection and a small read pool over WAL
func (s *Store) openSQLite(path string, busyTimeoutMS int) error {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	params := fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)

	writeDB, err := sql.Open("sqlite3", path+sep+params+"&_txlock=immediate")
	if err != nil {
		return fmt.Errorf("failed to open durable write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite3", path+sep+params)
	if err != nil {
		writeDB.Close()
		return fmt.Errorf("failed to open durable read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(0)

	s.raw = []*sql.DB{writeDB, readDB}

	for _, db := range s.raw {
		for _, pragma := range []string{"PRAGMA synchronous=NORMAL", "PRAGMA temp_store=MEMORY"} {
			if _, err := db.Exec(pragma); err != nil {
				s.closeRaw()
				return fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}
	for _, schema := range sqliteSchemas {
		if _, err := writeDB.Exec(schema); err != nil {
			s.closeRaw()
			return fmt.Errorf("failed to create durable schema: %w", err)
		}
	}

	s.write = goqu.New("sqlite3", writeDB)
	s.read = goqu.New("sqlite3", readDB)
	return nil
}

func (s *Store) openMySQL(dsn string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open durable database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.raw = []*sql.DB{db}

	for _, schema := range mysqlSchemas {
		if _, err := db.Exec(schema); err != nil {
			s.closeRaw()
			return fmt.Errorf("failed to create durable schema: %w", err)
		}
	}

	s.write = goqu.New("mysql", db)
	s.read = s.write
	return nil
}

func (s *Store) closeRaw() {
	for _, db := range s.raw {
		db.Close()
	}
}

// Close closes every connection pool. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var firstErr error
	for _, db := range s.raw {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// lockInst takes the lock shard of an inst and returns its release func
func (s *Store) lockInst(recordName, inst string) func() {
	mu := &s.instLocks[xxhash.Sum64String(recordName+"\x00"+inst)%instLockShards]
	mu.Lock()
	return mu.Unlock
}

// withTx runs fn in a write transaction
func (s *Store) withTx(ctx context.Context, fn func(tx *goqu.TxDatabase) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	return tx.Wrap(func() error { return fn(tx) })
}

// observe records latency and outcome of one operation. Deferred with a
// pointer to the named error result.
func observe(op string, start time.Time, err *error) {
	telemetry.DurableQuerySeconds.With(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if *err != nil {
		result = "error"
	}
	telemetry.DurableQueriesTotal.With(op, result).Inc()
}

func instWhere(recordName, inst string) goqu.Ex {
	return goqu.Ex{"record_name": recordName, "inst": inst}
}

func branchWhere(key records.BranchKey) goqu.Ex {
	return goqu.Ex{"record_name": key.RecordName, "inst": key.Inst, "branch": key.Branch}
}
