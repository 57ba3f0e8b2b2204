package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrServiceNotFound is returned by Call for unknown services.
var ErrServiceNotFound = errors.New("service not found")

// ErrServiceExists is returned by Register for duplicate services.
var ErrServiceExists = errors.New("service already registered")

// MemoryServices is a thread-safe ServiceRegistry. Call announces every
// invocation on the bus as a call_service event before running the
// handler, which is what lets the bridge forward calls to remote entities.
type MemoryServices struct {
	mu       sync.RWMutex
	handlers map[string]ServiceHandler
	bus      EventBus
}

// NewMemoryServices creates a registry. bus may be nil.
func NewMemoryServices(bus EventBus) *MemoryServices {
	return &MemoryServices{
		handlers: make(map[string]ServiceHandler),
		bus:      bus,
	}
}

func serviceKey(domain, service string) string {
	return strings.ToLower(domain) + "." + strings.ToLower(service)
}

// Register implements ServiceRegistry.
func (r *MemoryServices) Register(domain, service string, h ServiceHandler) error {
	key := serviceKey(domain, service)

	r.mu.Lock()
	if _, ok := r.handlers[key]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceExists, key)
	}
	r.handlers[key] = h
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(Event{
			Type: EventServiceRegistered,
			Data: map[string]any{"domain": strings.ToLower(domain), "service": strings.ToLower(service)},
		})
	}
	return nil
}

// Unregister implements ServiceRegistry.
func (r *MemoryServices) Unregister(domain, service string) bool {
	key := serviceKey(domain, service)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; !ok {
		return false
	}
	delete(r.handlers, key)
	return true
}

// Has implements ServiceRegistry.
func (r *MemoryServices) Has(domain, service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[serviceKey(domain, service)]
	return ok
}

// Services returns the registered "domain.service" names in order.
func (r *MemoryServices) Services() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Call announces a call_service event and runs the registered handler,
// if any. Calls to services without a local handler are still announced,
// since a bridge may own the target entities.
func (r *MemoryServices) Call(ctx context.Context, domain, service string, data map[string]any) error {
	call := ServiceCall{
		Domain:  strings.ToLower(domain),
		Service: strings.ToLower(service),
		Data:    cloneMap(data),
		Context: NewContext(),
	}
	if call.Data == nil {
		call.Data = map[string]any{}
	}

	if r.bus != nil {
		r.bus.Publish(Event{
			Type: EventCallService,
			Data: map[string]any{
				"domain":          call.Domain,
				"service":         call.Service,
				"service_data":    cloneMap(call.Data),
				"service_call_id": uuid.NewString(),
			},
			Context: call.Context,
		})
	}

	r.mu.RLock()
	h, ok := r.handlers[serviceKey(domain, service)]
	r.mu.RUnlock()
	if !ok {
		if r.bus != nil {
			return nil
		}
		return fmt.Errorf("%w: %s.%s", ErrServiceNotFound, call.Domain, call.Service)
	}

	return h(ctx, call)
}
