// Package notify fans branch change signals out to in-process subscribers,
// such as the layer that pushes updates to connected devices.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/branchsync/id"
	"github.com/puzpuzpuz/xsync/v3"
)

// Subscribers that can't keep up lose signals rather than block writers.
const defaultSignalBufferSize = 16

// Kind of change a signal reports
type Kind uint8

const (
	KindUpdated Kind = iota + 1
	KindBranchDeleted
	KindInstDeleted
)

func (k Kind) String() string {
	switch k {
	case KindUpdated:
		return "updated"
	case KindBranchDeleted:
		return "branch_deleted"
	case KindInstDeleted:
		return "inst_deleted"
	default:
		return "unknown"
	}
}

// Signal tells subscribers a branch changed. Key.Branch is empty for inst
// level signals.
type Signal struct {
	Kind Kind
	Key  id.BranchKey
}

// Filter limits a subscription to some insts. Empty matches every inst.
type Filter struct {
	Insts []id.InstKey
}

type subscription struct {
	filter Filter
	ch     chan Signal

	// mu orders sends against close
	mu     sync.RWMutex
	closed bool
}

func (s *subscription) matches(inst id.InstKey) bool {
	if len(s.filter.Insts) == 0 {
		return true
	}
	for _, k := range s.filter.Insts {
		if k == inst {
			return true
		}
	}
	return false
}

// offer sends without blocking and reports whether the signal was queued
func (s *subscription) offer(sig Signal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- sig:
		return true
	default:
		return false
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is safe for concurrent use
type Hub struct {
	subscriptions *xsync.MapOf[uint64, *subscription]
	nextID        atomic.Uint64
	dropped       atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subscriptions: xsync.NewMapOf[uint64, *subscription]()}
}

// Signal delivers to every matching subscriber without blocking
func (h *Hub) Signal(kind Kind, key id.BranchKey) {
	sig := Signal{Kind: kind, Key: key}
	inst := key.InstKey()

	h.subscriptions.Range(func(_ uint64, sub *subscription) bool {
		if sub.matches(inst) && !sub.offer(sig) {
			h.dropped.Add(1)
		}
		return true
	})
}

// Subscribe returns a buffered signal channel and an idempotent cancel
// function that closes it.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	subID := h.nextID.Add(1)
	sub := &subscription{
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}
	h.subscriptions.Store(subID, sub)

	return sub.ch, func() {
		if s, ok := h.subscriptions.LoadAndDelete(subID); ok {
			s.close()
		}
	}
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	return h.subscriptions.Size()
}

// Dropped returns how many signals were discarded for slow subscribers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
