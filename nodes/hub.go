package nodes

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for flag change channels.
// Subscribers that cannot keep up have changes dropped (non-blocking send);
// they must re-read the registry rather than rely on every delivery.
const defaultSignalBufferSize = 16

type subscription struct {
	id     uint64
	ch     chan FlagChange
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans node flag changes out to subscribers.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subscriptions: make(map[uint64]*subscription)}
}

// Signal delivers a change to all subscribers without blocking.
func (h *Hub) Signal(change FlagChange) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- change:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe registers a subscriber. The cancel function is idempotent.
func (h *Hub) Subscribe() (<-chan FlagChange, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan FlagChange, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
