package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/branchsync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultPublishTimeout  = 10 * time.Second
)

// WorkerConfig configures a Worker
type WorkerConfig struct {
	Name            string // Cursor name in the event log
	Log             *EventLog
	Sink            Sink
	Encoder         Encoder
	Filter          Filter
	Topic           string
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	// MaxRetries bounds attempts per event; 0 retries until stopped
	MaxRetries int
}

// Worker tails the event log and delivers events to one sink at least once
type Worker struct {
	config WorkerConfig
	cursor uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Encoder == nil {
		config.Encoder, _ = EncoderFor("json")
	}
	if config.Filter == nil {
		config.Filter, _ = NewGlobFilter(nil)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}

	return &Worker{
		config: config,
		cursor: config.Log.Cursor(config.Name),
	}, nil
}

// Start launches the delivery loop. Calling Start on a running worker is a no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	log.Info().Str("worker", w.config.Name).Uint64("cursor", w.cursor).Msg("Starting event publisher")
	go w.loop(ctx)
}

// Stop cancels delivery and waits for the loop to exit
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.cancel()
	<-w.done
	w.running = false
	log.Info().Str("worker", w.config.Name).Uint64("cursor", w.cursor).Msg("Event publisher stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for ctx.Err() == nil {
		n, err := w.deliverBatch(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker", w.config.Name).Uint64("cursor", w.cursor).Msg("Event delivery failed")
		}
		if n == 0 || err != nil {
			sleep(ctx, w.config.PollInterval)
		}
	}
}

// deliverBatch publishes the next batch after the cursor and returns how many
// events it consumed
func (w *Worker) deliverBatch(ctx context.Context) (int, error) {
	events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
	if err != nil {
		return 0, err
	}
	telemetry.PublisherBacklog.Set(float64(w.config.Log.LastSeq() - w.cursor))

	for i, e := range events {
		if err := w.deliver(ctx, e); err != nil {
			return i, err
		}
		w.cursor = e.Seq
		if err := w.config.Log.AdvanceCursor(w.config.Name, e.Seq); err != nil {
			// redelivered after restart
			log.Warn().Err(err).Str("worker", w.config.Name).Uint64("seq", e.Seq).Msg("Failed to persist cursor")
		}
	}
	return len(events), nil
}

func (w *Worker) deliver(ctx context.Context, e BranchEvent) error {
	if !w.config.Filter.Match(e.RecordName, e.Inst) {
		telemetry.PublisherEventsTotal.With("filtered").Inc()
		return nil
	}

	data, err := w.config.Encoder(e)
	if err != nil {
		// an event that cannot be encoded never will be
		telemetry.PublisherEventsTotal.With("failed").Inc()
		log.Error().Err(err).Uint64("seq", e.Seq).Msg("Dropping unencodable event")
		return nil
	}

	delay := w.config.RetryInitial
	for attempt := 1; ; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, DefaultPublishTimeout)
		err = w.config.Sink.Publish(pubCtx, w.config.Topic, e.PartitionKey(), data)
		cancel()
		if err == nil {
			telemetry.PublisherEventsTotal.With("published").Inc()
			return nil
		}

		telemetry.PublisherEventsTotal.With("failed").Inc()
		if w.config.MaxRetries > 0 && attempt >= w.config.MaxRetries {
			return fmt.Errorf("publish event %d after %d attempts: %w", e.Seq, attempt, err)
		}
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", e.Seq).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay = min(time.Duration(float64(delay)*w.config.RetryMultiplier), w.config.RetryMax)
	}
}

// sleep waits for d or until ctx is done. Reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
