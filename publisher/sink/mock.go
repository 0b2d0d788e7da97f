package sink

import (
	"context"
	"sync"

	"github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/publisher"
)

func init() {
	publisher.RegisterSink("mock", func(cfg.PublisherConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages in memory
type MockSink struct {
	mu       sync.Mutex
	messages []MockMessage

	// FailNext makes the next n publishes fail with PublishErr
	FailNext   int
	PublishErr error
	closed     bool
}

type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockSink) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext > 0 && m.PublishErr != nil {
		m.FailNext--
		return m.PublishErr
	}
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Messages returns a copy of everything published so far
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
