// Package homeassistant provides the Home Assistant WebSocket wire types,
// the REST discovery client and transport helpers shared by both.
package homeassistant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// WebSocket message types.
const (
	MsgTypeAuthRequired    = "auth_required"
	MsgTypeAuth            = "auth"
	MsgTypeAuthOK          = "auth_ok"
	MsgTypeAuthInvalid     = "auth_invalid"
	MsgTypeResult          = "result"
	MsgTypeEvent           = "event"
	MsgTypeSubscribeEvents = "subscribe_events"
	MsgTypeGetStates       = "get_states"
	MsgTypeGetServices     = "get_services"
	MsgTypeCallService     = "call_service"
)

// ErrNullMessage is returned by ParseMessage for a JSON null frame.
var ErrNullMessage = errors.New("null message")

// WSMessage is a decoded inbound WebSocket message. Only the fields
// relevant to the message type are populated.
type WSMessage struct {
	ID        int64           `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *WSError        `json:"error,omitempty"`
	Event     *WSEvent        `json:"event,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ParseMessage decodes a raw frame. Frames that are not JSON objects
// carrying a type are rejected.
func ParseMessage(data []byte) (*WSMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrNullMessage
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("decoding message: not a JSON object")
	}

	var msg WSMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decoding message: missing type")
	}
	return &msg, nil
}

// DecodeResult unmarshals the result payload into v.
func (m *WSMessage) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return fmt.Errorf("message %d has no result", m.ID)
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("decoding result of message %d: %w", m.ID, err)
	}
	return nil
}

// WSAuthMessage is sent to authenticate with Home Assistant. Exactly one
// of AccessToken and APIPassword is set.
type WSAuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
	APIPassword string `json:"api_password,omitempty"`
}

// NewAuthMessage builds the auth message, preferring the access token.
func NewAuthMessage(accessToken, apiPassword string) WSAuthMessage {
	if accessToken != "" {
		return WSAuthMessage{Type: MsgTypeAuth, AccessToken: accessToken}
	}
	return WSAuthMessage{Type: MsgTypeAuth, APIPassword: apiPassword}
}

// WSError represents an error in a WebSocket response.
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WSError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WSEvent contains event data.
type WSEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin,omitempty"`
	TimeFired string         `json:"time_fired,omitempty"`
	Context   Context        `json:"context"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string  `json:"entity_id"`
	NewState *Entity `json:"new_state"`
	OldState *Entity `json:"old_state"`
}

// StateChanged decodes the event data as a state_changed payload.
func (e *WSEvent) StateChanged() (*StateChangedData, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	var d StateChangedData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding state_changed data: %w", err)
	}
	if d.EntityID == "" {
		return nil, fmt.Errorf("state_changed event without entity_id")
	}
	return &d, nil
}

// WSCommandWithPayload is an outbound request. Payload fields are
// flattened next to id and type; id and type always win.
type WSCommandWithPayload struct {
	ID      int64          `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON implements custom JSON marshaling to flatten payload into the message.
func (c *WSCommandWithPayload) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Payload)+2)
	for k, v := range c.Payload {
		m[k] = v
	}
	m["id"] = c.ID
	m["type"] = c.Type
	return json.Marshal(m)
}

// SubscribeEventsPayload returns the payload of a subscribe_events request.
func SubscribeEventsPayload(eventType string) map[string]any {
	return map[string]any{"event_type": eventType}
}

// CallServicePayload returns the payload of a call_service request.
func CallServicePayload(domain, service string, data map[string]any) map[string]any {
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"domain":       domain,
		"service":      service,
		"service_data": data,
	}
}
