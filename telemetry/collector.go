package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsProvider supplies point-in-time values for the gauges refreshed by
// MetricsCollector.
type StatsProvider interface {
	CountConnections() int
	DirtyStats(ctx context.Context) (generation int64, dirty int, err error)
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	LiveConnections.Set(float64(mc.provider.CountConnections()))

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	generation, dirty, err := mc.provider.DirtyStats(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to collect dirty branch stats")
		return
	}
	DirtyGeneration.Set(float64(generation))
	DirtyBranches.Set(float64(dirty))
}
