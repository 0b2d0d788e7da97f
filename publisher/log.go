package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/updatelog"
	"github.com/rs/zerolog/log"
)

// Key layout
//
//	/evt/{seq:8B}        -> msgpack(BranchEvent)
//	/evtcursor/{sink}    -> uint64 last delivered seq
//	/evtseq              -> uint64 last assigned seq
const (
	prefixEvent  = "/evt/"
	prefixCursor = "/evtcursor/"
	keyLastSeq   = "/evtseq"
)

const (
	defaultReadLimit = 100
	// compact consumed events every 128 cursor advances
	cleanupIntervalMask = 0x7F
)

// EventLog is a Pebble-backed append-only log of branch events with per-sink
// delivery cursors, so events survive restarts until every sink has them.
type EventLog struct {
	db *pebble.DB

	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cursorsMu sync.RWMutex
	cursors   map[string]uint64

	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenEventLog opens (or creates) the event log at path
func OpenEventLog(path string, opts updatelog.DBOptions) (*EventLog, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 8
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 8
	}
	db, err := updatelog.OpenDB(path, opts)
	if err != nil {
		return nil, err
	}

	l := &EventLog{db: db, cursors: make(map[string]uint64)}
	if err := l.load(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *EventLog) load() error {
	val, closer, err := l.db.Get([]byte(keyLastSeq))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load event sequence: %w", err)
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid event sequence length: %d", len(val))
		}
		l.lastSeq.Store(binary.BigEndian.Uint64(val))
		closer.Close()
	}

	prefix := []byte(prefixCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: updatelog.PrefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) != 8 {
			return fmt.Errorf("corrupted cursor %q", iter.Key())
		}
		l.cursors[string(iter.Key()[len(prefix):])] = binary.BigEndian.Uint64(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if len(l.cursors) > 0 {
		log.Info().Int("cursors", len(l.cursors)).Uint64("last_seq", l.lastSeq.Load()).Msg("Loaded event log cursors")
	}
	return nil
}

func eventKey(seq uint64) []byte {
	k := make([]byte, 0, len(prefixEvent)+8)
	k = append(k, prefixEvent...)
	return binary.BigEndian.AppendUint64(k, seq)
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}

// Append assigns sequence numbers to events and stores them in one batch
func (l *EventLog) Append(events []BranchEvent) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrClosed
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq := l.lastSeq.Load()
	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].Seq = seq
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyLastSeq), u64(seq), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	l.lastSeq.Store(seq)
	return nil
}

// LastSeq returns the sequence of the newest event
func (l *EventLog) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// ReadFrom returns up to limit events after cursor
func (l *EventLog) ReadFrom(cursor uint64, limit int) ([]BranchEvent, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(cursor + 1),
		UpperBound: updatelog.PrefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]BranchEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		var e BranchEvent
		if err := encoding.Unmarshal(iter.Value(), &e); err != nil {
			log.Warn().Err(err).Bytes("key", iter.Key()).Msg("Skipping undecodable event")
			continue
		}
		events = append(events, e)
	}
	return events, iter.Error()
}

// Cursor returns the last delivered sequence of a sink, 0 for new sinks
func (l *EventLog) Cursor(sink string) uint64 {
	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()
	return l.cursors[sink]
}

// AdvanceCursor records delivery up to seq for a sink
func (l *EventLog) AdvanceCursor(sink string, seq uint64) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.cursorsMu.Lock()
	l.cursors[sink] = seq
	l.cursorsMu.Unlock()

	if err := l.db.Set([]byte(prefixCursor+sink), u64(seq), pebble.NoSync); err != nil {
		return fmt.Errorf("persist cursor of %s: %w", sink, err)
	}

	if seq&cleanupIntervalMask == 0 && l.cleanupRunning.CompareAndSwap(false, true) {
		l.cleanupWg.Add(1)
		go func() {
			defer l.cleanupWg.Done()
			defer l.cleanupRunning.Store(false)
			l.cleanup()
		}()
	}
	return nil
}

// cleanup drops events every sink has consumed
func (l *EventLog) cleanup() {
	if l.closed.Load() {
		return
	}

	l.cursorsMu.RLock()
	if len(l.cursors) == 0 {
		l.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range l.cursors {
		minCursor = min(minCursor, c)
	}
	l.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}
	if err := l.db.DeleteRange([]byte(prefixEvent), eventKey(minCursor+1), pebble.NoSync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to compact event log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Compacted event log")
}

// Close waits for running compaction and closes the database. Idempotent.
func (l *EventLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cleanupWg.Wait()
	return l.db.Close()
}
