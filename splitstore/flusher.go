package splitstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"
)

// ErrFlusherStopped resolves flush requests made after Stop
var ErrFlusherStopped = errors.New("flusher stopped")

// Flusher runs FlushDirtyBranches on an interval and on demand
type Flusher struct {
	store    *Store
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	waiting []*future.Promise[FlushStats]
	done    bool

	kickCh  chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// NewFlusher creates a flusher. A zero timeout lets passes run unbounded.
func NewFlusher(store *Store, interval, timeout time.Duration) *Flusher {
	return &Flusher{
		store:    store,
		interval: interval,
		timeout:  timeout,
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.flushLoop()
}

// Stop runs a final pass and waits for the loop to exit. Pending and later
// FlushNow calls resolve with the final pass or ErrFlusherStopped.
func (f *Flusher) Stop() {
	if !f.stopped.CompareAndSwap(false, true) {
		return
	}
	close(f.stopCh)
	f.wg.Wait()
	f.rejectWaiting()
}

// FlushNow requests a pass without waiting for the interval. Requests that
// arrive while a pass is queued share its result.
func (f *Flusher) FlushNow() *future.Future[FlushStats] {
	p := future.NewPromise[FlushStats]()

	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		p.Set(FlushStats{}, ErrFlusherStopped)
		return p.Future()
	}
	f.waiting = append(f.waiting, p)
	f.mu.Unlock()

	select {
	case f.kickCh <- struct{}{}:
	default:
	}
	return p.Future()
}

func (f *Flusher) flushLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.runPass()
		case <-f.kickCh:
			f.runPass()
		case <-f.stopCh:
			f.runPass()
			return
		}
	}
}

func (f *Flusher) runPass() {
	f.mu.Lock()
	waiting := f.waiting
	f.waiting = nil
	f.mu.Unlock()

	ctx := context.Background()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	stats, err := f.store.FlushDirtyBranches(ctx)
	if err != nil {
		log.Error().Err(err).Int64("generation", stats.Generation).Msg("Flush pass failed")
	}
	for _, p := range waiting {
		p.Set(stats, err)
	}
}

// rejectWaiting resolves requests that raced with Stop
func (f *Flusher) rejectWaiting() {
	f.mu.Lock()
	waiting := f.waiting
	f.waiting = nil
	f.done = true
	f.mu.Unlock()

	for _, p := range waiting {
		p.Set(FlushStats{}, ErrFlusherStopped)
	}
}
