package hub

import (
	"sync"
	"time"

	"github.com/zorak1103/ha-remote/internal/logging"
)

type subscription struct {
	id      uint64
	handler func(Event)
}

// MemoryBus is an in-process EventBus. Handlers run synchronously on the
// publishing goroutine, in subscription order. A panicking handler is
// logged and does not affect the others.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	logger *logging.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MemoryBus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe implements EventBus.
func (b *MemoryBus) Subscribe(eventType string, h func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})
	b.mu.Unlock()

	b.logger.Debug("bus: subscribed", "event_type", eventType, "subscription", id)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *MemoryBus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		rest := make([]subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = rest
		}
		b.logger.Debug("bus: unsubscribed", "event_type", eventType, "subscription", id)
		return
	}
}

// Publish implements EventBus. Missing origin and fire time are filled in.
func (b *MemoryBus) Publish(ev Event) {
	if ev.Origin == "" {
		ev.Origin = OriginLocal
	}
	if ev.TimeFired.IsZero() {
		ev.TimeFired = time.Now().UTC()
	}
	if ev.Context.ID == "" {
		ev.Context = NewContext()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[ev.Type])+len(b.subs[MatchAll]))
	targets = append(targets, b.subs[ev.Type]...)
	if ev.Type != MatchAll {
		targets = append(targets, b.subs[MatchAll]...)
	}
	b.mu.RUnlock()

	b.logger.Trace("bus: publish", "event_type", ev.Type, "origin", ev.Origin, "subscribers", len(targets))

	for _, s := range targets {
		b.deliver(s, ev)
	}
}

func (b *MemoryBus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: event handler panic", "event_type", ev.Type, "subscription", s.id, "panic", r)
		}
	}()
	s.handler(ev)
}

// Subscribers returns the number of handlers registered for eventType.
func (b *MemoryBus) Subscribers(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
