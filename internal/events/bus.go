package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(event *Event)

// Bus is the in-process publish/subscribe hub. Every published event gets a
// per-process monotonically increasing sequence number, so wire consumers can
// detect gaps after reconnecting.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	seq      atomic.Uint64
	log      zerolog.Logger
	now      func() time.Time
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
		now:      time.Now,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish assigns a sequence number and delivers the event to subscribers.
// A panicking handler is logged and does not take down the publisher.
func (b *Bus) Publish(module string, data EventData) *Event {
	event := &Event{
		Seq:       b.seq.Add(1),
		Type:      data.EventType(),
		Timestamp: b.now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	typed := b.handlers[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, h := range typed {
		b.deliver(h, event)
	}
	for _, h := range all {
		b.deliver(h, event)
	}

	b.log.Debug().
		Uint64("seq", event.Seq).
		Str("event_type", string(event.Type)).
		Str("module", module).
		Msg("Event published")

	return event
}

// Seq returns the sequence number of the most recently published event.
func (b *Bus) Seq() uint64 {
	return b.seq.Load()
}

func (b *Bus) deliver(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("Event handler panicked")
		}
	}()
	h(event)
}
