// Package bus provides the in-process topic-keyed event bus.
//
// Delivery is fan-out, best effort: each subscriber owns a bounded queue and
// a slow handler never blocks publishers. On overflow the oldest queued event
// is dropped and counted. Ordering is FIFO per (topic, publisher).
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics published by the core.
const (
	TopicModelProgress   = "model.progress"
	TopicIndexProgress   = "index.progress"
	TopicQueryLogged     = "query.logged"
	TopicAlertTriggered  = "alert.triggered"
	TopicVersionPromoted = "version.promoted"
)

// Event is a published message.
type Event struct {
	Topic   string
	Payload any
	Time    time.Time
}

// Handler consumes events for one subscription. A handler error is logged
// and counted but never reaches publishers.
type Handler func(ctx context.Context, ev Event) error

// Bus is the pub/sub contract. Subscriptions live for their bound context.
type Bus interface {
	// Publish delivers payload to subscribers registered at publish time.
	// It never blocks on slow subscribers.
	Publish(topic string, payload any)

	// Subscribe registers handler for topic until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, handler Handler)

	// Close drains outstanding deliveries within the deadline carried by
	// ctx, then cancels the rest.
	Close(ctx context.Context) error
}

// DefaultQueueDepth bounds each subscriber's queue.
const DefaultQueueDepth = 64

type subscriber struct {
	topic   string
	queue   chan Event
	done    chan struct{}
	handler Handler
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	closed  bool
	depth   int
	wg      sync.WaitGroup
	dropped atomic.Int64
	errors  atomic.Int64
}

// Option configures a MemoryBus.
type Option func(*MemoryBus)

// WithQueueDepth overrides the per-subscriber queue depth.
func WithQueueDepth(n int) Option {
	return func(b *MemoryBus) {
		if n > 0 {
			b.depth = n
		}
	}
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	b := &MemoryBus{
		subs:  make(map[string][]*subscriber),
		depth: DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.
func (b *MemoryBus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	subs := b.subs[topic]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, s := range subs {
		b.enqueue(s, ev)
	}
}

// enqueue pushes without blocking; on overflow the oldest event is dropped.
func (b *MemoryBus) enqueue(s *subscriber, ev Event) {
	for {
		select {
		case s.queue <- ev:
			return
		default:
		}
		select {
		case <-s.queue:
			b.dropped.Add(1)
		default:
		}
	}
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) {
	s := &subscriber{
		topic:   topic,
		queue:   make(chan Event, b.depth),
		done:    make(chan struct{}),
		handler: handler,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs[topic] = append(b.subs[topic], s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(ctx, s)
}

func (b *MemoryBus) deliver(ctx context.Context, s *subscriber) {
	defer b.wg.Done()
	defer b.remove(s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-s.queue:
					b.invoke(ctx, s, ev)
				default:
					return
				}
			}
		case ev := <-s.queue:
			b.invoke(ctx, s, ev)
		}
	}
}

func (b *MemoryBus) invoke(ctx context.Context, s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			slog.Error("event handler panicked",
				slog.String("topic", s.topic),
				slog.Any("panic", r))
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.errors.Add(1)
		slog.Warn("event handler failed",
			slog.String("topic", s.topic),
			slog.String("error", err.Error()))
	}
}

func (b *MemoryBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.topic]
	for i, cur := range list {
		if cur == s {
			b.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Close implements Bus. Pending deliveries get until the ctx deadline to
// drain; after that remaining subscribers are abandoned.
func (b *MemoryBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscriber
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()

	for _, s := range all {
		close(s.done)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events dropped due to queue overflow.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

// HandlerErrors returns the number of handler failures observed.
func (b *MemoryBus) HandlerErrors() int64 { return b.errors.Load() }
