package hub

import (
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a thread-safe StateStore. When a bus is attached every
// change is announced as a state_changed event.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
	bus    EventBus
	now    func() time.Time
}

// NewMemoryStore creates a store. bus may be nil.
func NewMemoryStore(bus EventBus) *MemoryStore {
	return &MemoryStore{
		states: make(map[string]State),
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Set implements StateStore.
func (s *MemoryStore) Set(entityID, state string, attrs map[string]any) {
	id := strings.ToLower(entityID)
	now := s.now()

	s.mu.Lock()
	old, existed := s.states[id]
	next := State{
		EntityID:    id,
		State:       state,
		Attributes:  cloneMap(attrs),
		LastChanged: now,
		LastUpdated: now,
	}
	if next.Attributes == nil {
		next.Attributes = map[string]any{}
	}
	unchanged := false
	if existed && old.State == state {
		next.LastChanged = old.LastChanged
		if reflect.DeepEqual(old.Attributes, next.Attributes) {
			next.LastUpdated = old.LastUpdated
			unchanged = true
		}
	}
	s.states[id] = next
	s.mu.Unlock()

	if unchanged {
		return
	}
	var oldState any
	if existed {
		oldState = old
	}
	s.announce(id, oldState, next)
}

// Remove implements StateStore.
func (s *MemoryStore) Remove(entityID string) bool {
	id := strings.ToLower(entityID)

	s.mu.Lock()
	old, ok := s.states[id]
	delete(s.states, id)
	s.mu.Unlock()

	if ok {
		s.announce(id, old, nil)
	}
	return ok
}

// Get implements StateStore.
func (s *MemoryStore) Get(entityID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[strings.ToLower(entityID)]
	if ok {
		st.Attributes = cloneMap(st.Attributes)
	}
	return st, ok
}

// All returns a snapshot of every state ordered by entity id.
func (s *MemoryStore) All() []State {
	s.mu.RLock()
	out := make([]State, 0, len(s.states))
	for _, st := range s.states {
		st.Attributes = cloneMap(st.Attributes)
		out = append(out, st)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.EntityID, b.EntityID) })
	return out
}

// Len returns the number of stored entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func (s *MemoryStore) announce(id string, oldState, newState any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]any{
			"entity_id": id,
			"old_state": oldState,
			"new_state": newState,
		},
	})
}
