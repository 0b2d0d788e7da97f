package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/updatelog"
	"github.com/rs/zerolog/log"
)

// SinkFactory builds a sink from the publisher configuration
type SinkFactory func(cfg.PublisherConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink makes a sink type available to NewFromConfig
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func createSink(c cfg.PublisherConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := sinkFactories[c.Sink]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type: %s", c.Sink)
	}
	return factory(c)
}

// Options configures a Publisher
type Options struct {
	Path   string
	DB     updatelog.DBOptions
	NodeID uint64
	Clock  clock.Clock
	Worker WorkerConfig // Log is filled in by New
}

// Publisher records branch lifecycle events in the event log and delivers
// them to a sink in the background.
type Publisher struct {
	log    *EventLog
	worker *Worker
	nodeID uint64
	clock  clock.Clock
}

// New opens the event log and prepares the delivery worker
func New(opts Options) (*Publisher, error) {
	eventLog, err := OpenEventLog(opts.Path, opts.DB)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	wc := opts.Worker
	wc.Log = eventLog
	if wc.Name == "" {
		wc.Name = "default"
	}
	worker, err := NewWorker(wc)
	if err != nil {
		eventLog.Close()
		return nil, err
	}

	p := &Publisher{log: eventLog, worker: worker, nodeID: opts.NodeID, clock: opts.Clock}
	if p.clock == nil {
		p.clock = clock.NewSystem()
	}
	return p, nil
}

// NewFromConfig wires the configured sink, format and filter
func NewFromConfig(c cfg.PublisherConfiguration, path string, nodeID uint64) (*Publisher, error) {
	encoder, err := EncoderFor(c.Format)
	if err != nil {
		return nil, err
	}
	filter, err := NewGlobFilter(c.InstPatterns)
	if err != nil {
		return nil, err
	}
	snk, err := createSink(c)
	if err != nil {
		return nil, err
	}

	p, err := New(Options{
		Path:   path,
		NodeID: nodeID,
		Worker: WorkerConfig{
			Name:         c.Sink,
			Sink:         snk,
			Encoder:      encoder,
			Filter:       filter,
			Topic:        c.Topic,
			BatchSize:    c.BatchSize,
			PollInterval: time.Duration(c.PollIntervalMS) * time.Millisecond,
			RetryInitial: time.Duration(c.RetryInitialMS) * time.Millisecond,
			RetryMax:     time.Duration(c.RetryMaxMS) * time.Millisecond,
		},
	})
	if err != nil {
		snk.Close()
		return nil, err
	}

	log.Info().Str("sink", c.Sink).Str("format", c.Format).Str("topic", c.Topic).Msg("Event publisher configured")
	return p, nil
}

// Emit stamps events with this node and the current time and appends them
// to the event log. Delivery happens asynchronously.
func (p *Publisher) Emit(events ...BranchEvent) error {
	now := p.clock.NowMillis()
	for i := range events {
		events[i].NodeID = p.nodeID
		if events[i].Timestamp == 0 {
			events[i].Timestamp = now
		}
	}
	return p.log.Append(events)
}

// Log exposes the underlying event log
func (p *Publisher) Log() *EventLog {
	return p.log
}

func (p *Publisher) Start() {
	p.worker.Start()
}

// Stop halts delivery, closes the sink and the event log
func (p *Publisher) Stop() {
	p.worker.Stop()
	if err := p.worker.config.Sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event sink")
	}
	if err := p.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close event log")
	}
}
