package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopDefaults(t *testing.T) {
	// Disabled metrics never panic
	UpdateOpsTotal.With("add", "ok").Inc()
	UpdateOpSeconds.With("add").Observe(0.1)
	DirtyBranches.Set(3)
	LiveConnections.Dec()
	assert.Nil(t, GetMetricsHandler())
}

type fakeProvider struct {
	calls atomic.Int32
	err   error
}

func (f *fakeProvider) CountConnections() int {
	f.calls.Add(1)
	return 7
}

func (f *fakeProvider) DirtyStats(ctx context.Context) (int64, int, error) {
	return 2, 5, f.err
}

func TestMetricsCollector_CollectsAndStops(t *testing.T) {
	p := &fakeProvider{}
	mc := NewMetricsCollector(p, 10*time.Millisecond)
	mc.Start()

	assert.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	mc.Stop()
	mc.Stop()

	after := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load())
}

func TestMetricsCollector_ProviderError(t *testing.T) {
	p := &fakeProvider{err: errors.New("closed")}
	mc := NewMetricsCollector(p, time.Hour)
	mc.collect()
	assert.Equal(t, int32(1), p.calls.Load())
}
