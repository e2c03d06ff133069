// Package transport defines how envelopes move between services.
//
// Broker mechanics (queue declaration, delivery retries, acknowledgement)
// belong to the platform's messaging layer, not this library, so the
// package is interfaces plus an in-memory bus for tests and single-process
// wiring. Implementations deliver envelopes as-is; validation and
// authorization happen at the receiving gate, never in transit.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/Mindburn-Labs/neuromesh/pkg/envelope"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("transport: bus closed")

// HandlerFunc processes one delivered envelope. A non-nil error tells the
// transport the delivery failed; redelivery policy is the transport's.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

// Publisher sends envelopes to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope) error
}

// Consumer subscribes a handler to a named topic.
type Consumer interface {
	Consume(ctx context.Context, topic string, fn HandlerFunc) error
}

// MemoryBus is an in-process Publisher and Consumer. Publish delivers
// synchronously to every subscriber of the topic, in subscription order,
// and reports handler failures joined into one error. Envelopes published
// to a topic with no subscribers are dropped, matching a broker with no
// bound queue.
type MemoryBus struct {
	mu       sync.RWMutex
	closed   bool
	handlers map[string][]HandlerFunc
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]HandlerFunc)}
}

// Consume registers fn for every future publish to topic. The context only
// gates the registration; delivery uses the publisher's context.
func (b *MemoryBus) Consume(ctx context.Context, topic string, fn HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return errors.New("transport: topic is required")
	}
	if fn == nil {
		return errors.New("transport: handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[topic] = append(b.handlers[topic], fn)
	return nil
}

// Publish delivers env to the topic's subscribers.
func (b *MemoryBus) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if env == nil {
		return errors.New("transport: envelope is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	fns := append([]HandlerFunc(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	var errs []error
	for _, fn := range fns {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := fn(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops all subscriptions and fails subsequent operations.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()
}
