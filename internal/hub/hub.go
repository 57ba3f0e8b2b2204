// Package hub defines the local home-automation collaborators the bridge
// talks to: the state store, the event bus, the service registry and the
// customization table. In-memory implementations back the CLI and tests.
package hub

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Well-known event types.
const (
	EventCallService       = "call_service"
	EventStateChanged      = "state_changed"
	EventServiceRegistered = "service_registered"
	// MatchAll subscribes to every event type.
	MatchAll = "*"
)

// Origin tags where an event was generated.
type Origin string

// Event origins.
const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// Context is the causal context carried by events and states.
type Context struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// NewContext returns a context with a fresh id.
func NewContext() Context {
	return Context{ID: strings.ReplaceAll(uuid.NewString(), "-", "")}
}

// Event is a message on the local bus.
type Event struct {
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    Origin         `json:"origin"`
	TimeFired time.Time      `json:"time_fired"`
	Context   Context        `json:"context"`
}

// State is the stored state of one entity.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// StateStore holds entity states.
type StateStore interface {
	Set(entityID, state string, attrs map[string]any)
	Remove(entityID string) bool
	Get(entityID string) (State, bool)
}

// EventBus publishes events to subscribers.
type EventBus interface {
	Publish(ev Event)
	// Subscribe registers h for eventType (or MatchAll) and returns a
	// function that removes the subscription.
	Subscribe(eventType string, h func(Event)) (unsubscribe func())
}

// ServiceCall is a request to run a registered service.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
	Context Context
}

// ServiceHandler runs a service.
type ServiceHandler func(ctx context.Context, call ServiceCall) error

// ServiceRegistry holds the locally callable services.
type ServiceRegistry interface {
	Register(domain, service string, h ServiceHandler) error
	Unregister(domain, service string) bool
	Has(domain, service string) bool
}

// Customizer supplies locally configured attributes for an entity.
type Customizer interface {
	Attributes(entityID string) map[string]any
}

// Customizations is a static Customizer keyed by entity id.
type Customizations map[string]map[string]any

// Attributes returns a copy of the attributes configured for entityID.
func (c Customizations) Attributes(entityID string) map[string]any {
	attrs, ok := c[strings.ToLower(entityID)]
	if !ok {
		return nil
	}
	return cloneMap(attrs)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
