package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zorak1103/ha-remote/internal/homeassistant"
)

// ErrNotConnected is returned when sending without an attached transport.
var ErrNotConnected = errors.New("not connected")

// Handler receives the messages correlated with a request id.
type Handler interface {
	Handle(msg *homeassistant.WSMessage)
	// Repeating reports whether the handler stays registered after a delivery.
	Repeating() bool
}

// OneShotHandler is invoked at most once, for the first message carrying
// its request id, and is then discarded.
type OneShotHandler func(msg *homeassistant.WSMessage)

// Handle implements Handler.
func (h OneShotHandler) Handle(msg *homeassistant.WSMessage) { h(msg) }

// Repeating implements Handler.
func (OneShotHandler) Repeating() bool { return false }

// SubscriptionHandler receives every message for its request id until the
// multiplexer is reset.
type SubscriptionHandler func(msg *homeassistant.WSMessage)

// Handle implements Handler.
func (h SubscriptionHandler) Handle(msg *homeassistant.WSMessage) { h(msg) }

// Repeating implements Handler.
func (SubscriptionHandler) Repeating() bool { return true }

// Writer writes one encoded frame to the transport.
type Writer interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// Multiplexer assigns request ids, tracks pending handlers and serializes
// outbound messages. Ids start at 1 and are never reused, also not across
// Reset.
type Multiplexer struct {
	mu      sync.Mutex
	lastID  int64
	pending map[int64]Handler
	writer  Writer
	onSent  func(msgType string)
}

// NewMultiplexer creates a multiplexer. onSent may be nil.
func NewMultiplexer(onSent func(msgType string)) *Multiplexer {
	return &Multiplexer{
		pending: make(map[int64]Handler),
		onSent:  onSent,
	}
}

// NextID returns the next request id.
func (m *Multiplexer) NextID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	return m.lastID
}

// Attach sets the transport used by Send and Write.
func (m *Multiplexer) Attach(w Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writer = w
}

// Detach removes the transport. Subsequent sends fail with ErrNotConnected.
func (m *Multiplexer) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writer = nil
}

// Send assigns an id, registers h for it (h may be nil for fire-and-forget)
// and writes {id, type, ...payload}. On failure the handler is removed and
// never invoked.
func (m *Multiplexer) Send(ctx context.Context, msgType string, payload map[string]any, h Handler) (int64, error) {
	id := m.NextID()

	m.mu.Lock()
	w := m.writer
	if w != nil && h != nil {
		m.pending[id] = h
	}
	m.mu.Unlock()

	if w == nil {
		return id, fmt.Errorf("sending %s: %w", msgType, ErrNotConnected)
	}

	data, err := json.Marshal(&homeassistant.WSCommandWithPayload{ID: id, Type: msgType, Payload: payload})
	if err != nil {
		m.Complete(id)
		return id, fmt.Errorf("encoding %s: %w", msgType, err)
	}
	if err := w.WriteFrame(ctx, data); err != nil {
		m.Complete(id)
		return id, fmt.Errorf("writing %s: %w", msgType, err)
	}

	m.sent(msgType)
	return id, nil
}

// Write encodes v and writes it without an id. Used for the auth handshake.
func (m *Multiplexer) Write(ctx context.Context, msgType string, v any) error {
	m.mu.Lock()
	w := m.writer
	m.mu.Unlock()
	if w == nil {
		return fmt.Errorf("sending %s: %w", msgType, ErrNotConnected)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msgType, err)
	}
	if err := w.WriteFrame(ctx, data); err != nil {
		return fmt.Errorf("writing %s: %w", msgType, err)
	}
	m.sent(msgType)
	return nil
}

func (m *Multiplexer) sent(msgType string) {
	if m.onSent != nil {
		m.onSent(msgType)
	}
}

// Dispatch routes msg to the handler registered for its id and reports
// whether one was found. One-shot handlers are removed before they run.
func (m *Multiplexer) Dispatch(msg *homeassistant.WSMessage) bool {
	m.mu.Lock()
	h, ok := m.pending[msg.ID]
	if ok && !h.Repeating() {
		delete(m.pending, msg.ID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	h.Handle(msg)
	return true
}

// Complete removes the handler for id.
func (m *Multiplexer) Complete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

// Reset drops every pending handler. The id counter keeps counting.
func (m *Multiplexer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.pending)
}

// Pending returns the number of registered handlers.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
