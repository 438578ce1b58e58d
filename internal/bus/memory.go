package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrBusClosed is returned for operations on a closed bus.
var ErrBusClosed = errors.New("bus: closed")

// MemoryBus is the in-process bus used in single-process mode and in tests.
// Delivery is synchronous in publish order per subscriber.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]Handler)}
}

// Publish delivers the payload to every subscriber of the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Bus handler failed")
		}
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]Handler)
	b.closed = true
	return nil
}
