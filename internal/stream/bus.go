// Package stream provides the in-process event bus.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
)

// BusConfig holds configuration for the event bus.
type BusConfig struct {
	// BufferSize is the size of the inbound event channel.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel.
	SubscriberBufferSize int
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		BufferSize:           256,
		SubscriberBufferSize: 64,
	}
}

// Handler processes one event. It runs on the bus goroutine and must not
// block for long.
type Handler func(models.Event)

// Bus fans events out to channel subscribers and handlers. Publishing never
// blocks: when the buffer is full the event is dropped and counted.
type Bus struct {
	config  BusConfig
	events  chan models.Event
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu          sync.RWMutex
	subscribers []*Subscriber
	handlers    []handlerEntry
	closed      bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Subscriber is a channel subscription, optionally filtered by kind.
type Subscriber struct {
	Channel chan models.Event
	kinds   map[models.EventKind]bool
	dropped atomic.Uint64
}

type handlerEntry struct {
	kinds map[models.EventKind]bool
	fn    Handler
}

// NewBus creates a bus. Call Run to start dispatching.
func NewBus(config BusConfig, m *metrics.Metrics, logger zerolog.Logger) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultBusConfig().SubscriberBufferSize
	}
	return &Bus{
		config:  config,
		events:  make(chan models.Event, config.BufferSize),
		metrics: m,
		logger:  logger.With().Str("component", "bus").Logger(),
	}
}

func kindSet(kinds []models.EventKind) map[models.EventKind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[models.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

func matches(set map[models.EventKind]bool, kind models.EventKind) bool {
	return set == nil || set[kind]
}

// Publish enqueues an event. It returns false if the event was dropped.
func (b *Bus) Publish(event models.Event) bool {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.dropped.Add(1)
		b.metrics.RecordEvent(string(event.Kind()), true)
		return false
	}

	select {
	case b.events <- event:
		b.published.Add(1)
		b.metrics.RecordEvent(string(event.Kind()), false)
		return true
	default:
		b.dropped.Add(1)
		b.metrics.RecordEvent(string(event.Kind()), true)
		return false
	}
}

// Subscribe returns a channel receiving the given kinds (all kinds if none
// are given). Slow subscribers lose events rather than stalling the bus.
func (b *Bus) Subscribe(kinds ...models.EventKind) *Subscriber {
	sub := &Subscriber{
		Channel: make(chan models.Event, b.config.SubscriberBufferSize),
		kinds:   kindSet(kinds),
	}
	b.mu.Lock()
	if b.closed {
		close(sub.Channel)
	} else {
		b.subscribers = append(b.subscribers, sub)
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s == sub {
			close(s.Channel)
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Dropped returns how many events this subscriber missed.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Handle registers a callback for the given kinds (all kinds if none).
func (b *Bus) Handle(fn Handler, kinds ...models.EventKind) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handlerEntry{kinds: kindSet(kinds), fn: fn})
	b.mu.Unlock()
}

// Run dispatches events until ctx is cancelled, then closes subscriber
// channels.
func (b *Bus) Run(ctx context.Context) error {
	defer b.close()
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case event := <-b.events:
			b.dispatch(event)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case event := <-b.events:
			b.dispatch(event)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(event models.Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	kind := event.Kind()
	for _, sub := range subs {
		if !matches(sub.kinds, kind) {
			continue
		}
		select {
		case sub.Channel <- event:
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			b.metrics.RecordEvent(string(kind), true)
		}
	}

	for _, h := range handlers {
		if matches(h.kinds, kind) {
			b.invoke(h.fn, event)
		}
	}
}

func (b *Bus) invoke(fn Handler, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("kind", string(event.Kind())).Msg("Event handler panicked")
		}
	}()
	fn(event)
}

func (b *Bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Channel)
	}
	b.subscribers = nil
}

// BusStats contains bus counters.
type BusStats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subscribers)
	b.mu.RUnlock()
	return BusStats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}
