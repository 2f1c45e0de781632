// Package eventbus defines EventBus, the in-process publish surface for
// lifecycle events, plus an in-memory fan-out implementation and a
// NATS-bridged implementation for cross-instance propagation.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// EventBus publishes lifecycle events to any number of in-process
// subscribers.
type EventBus interface {
	Publish(ctx context.Context, event proxytypes.Event)
	Subscribe(bufferSize int) (ch <-chan proxytypes.Event, cancel func())
}

// MemoryBus is an in-process, non-blocking fan-out bus: a slow
// subscriber drops events rather than stalling publishers, logged as a
// warning — publishers must never be made to wait on a subscriber.
type MemoryBus struct {
	source string

	mu          sync.RWMutex
	subscribers map[int]chan proxytypes.Event
	nextID      int
}

// NewMemoryBus creates a MemoryBus tagging every published event with
// source, so a bridge layered on top can drop echoes of its own
// publications.
func NewMemoryBus(source string) *MemoryBus {
	return &MemoryBus{source: source, subscribers: make(map[int]chan proxytypes.Event)}
}

func (b *MemoryBus) Publish(_ context.Context, event proxytypes.Event) {
	if event.Source == "" {
		event.Source = b.source
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			slog.Warn("eventbus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", event.Type)
		}
	}
}

func (b *MemoryBus) Subscribe(bufferSize int) (<-chan proxytypes.Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 32
	}

	ch := make(chan proxytypes.Event, bufferSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}

	return ch, cancel
}

var _ EventBus = (*MemoryBus)(nil)
