package visor

import (
	"log/slog"
	"sync"
)

// EventHandler receives one envelope per emit.
type EventHandler func(EventEnvelope)

// Subscription is the handle returned by EventBus.On. Unsubscribe is
// idempotent and safe to call from a handler.
type Subscription struct {
	bus  *EventBus
	typ  EventType
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. After it returns, the handler will not
// be invoked for subsequent emits. Emits already in progress on other
// goroutines may still deliver.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.typ, s.id) })
}

// EventBus is an in-process typed pub/sub with at-most-once delivery per
// subscriber per emit. Handlers run synchronously on the emitter's
// goroutine in registration order; a panic in one handler is recovered and
// logged and does not prevent later handlers from running.
//
// There is no persistence and no replay: subscribers only see envelopes
// emitted after they subscribed.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[EventType][]busEntry
	nextID uint64
	seq    uint64
	logger *slog.Logger
}

type busEntry struct {
	id uint64
	fn EventHandler
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets a structured logger for handler panic reports.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// NewEventBus creates an EventBus.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		subs:   make(map[EventType][]busEntry),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers a handler for envelopes of the given type.
func (b *EventBus) On(typ EventType, fn EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[typ] = append(b.subs[typ], busEntry{id: b.nextID, fn: fn})
	return &Subscription{bus: b, typ: typ, id: b.nextID}
}

// Emit delivers payload to current subscribers of typ in registration order.
func (b *EventBus) Emit(typ EventType, payload any) {
	b.emit(EventEnvelope{Type: typ, Payload: payload})
}

// EmitMeta delivers a payload wrapped with metadata.
func (b *EventBus) EmitMeta(typ EventType, payload any, meta map[string]any) {
	b.emit(EventEnvelope{Type: typ, Payload: payload, Meta: meta})
}

func (b *EventBus) emit(env EventEnvelope) {
	b.mu.Lock()
	b.seq++
	env.Seq = b.seq
	// Snapshot under lock so that a handler subscribing or unsubscribing
	// mid-emit does not mutate the delivery list for this emit.
	entries := make([]busEntry, len(b.subs[env.Type]))
	copy(entries, b.subs[env.Type])
	b.mu.Unlock()

	for _, e := range entries {
		b.deliver(e, env)
	}
}

func (b *EventBus) deliver(e busEntry, env EventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", string(env.Type), "panic", r)
		}
	}()
	e.fn(env)
}

func (b *EventBus) remove(typ EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[typ]
	for i, e := range entries {
		if e.id == id {
			b.subs[typ] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of live subscriptions for typ.
func (b *EventBus) SubscriberCount(typ EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[typ])
}
