package homeassistant

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		want     *WSMessage
		wantNull bool
		wantErr  bool
	}{
		{
			name:  "auth required",
			input: `{"type":"auth_required","ha_version":"2026.10.1"}`,
			want:  &WSMessage{Type: MsgTypeAuthRequired, HAVersion: "2026.10.1"},
		},
		{
			name:  "auth invalid",
			input: `{"type":"auth_invalid","message":"Invalid access token"}`,
			want:  &WSMessage{Type: MsgTypeAuthInvalid, Message: "Invalid access token"},
		},
		{
			name:  "failed result",
			input: `{"id":4,"type":"result","success":false,"error":{"code":"not_found","message":"nope"}}`,
			want: &WSMessage{
				ID:    4,
				Type:  MsgTypeResult,
				Error: &WSError{Code: "not_found", Message: "nope"},
			},
		},
		{
			name:  "event",
			input: `{"id":2,"type":"event","event":{"event_type":"ping","data":{"a":1},"context":{"id":"c1","user_id":"u1"}}}`,
			want: &WSMessage{
				ID:   2,
				Type: MsgTypeEvent,
				Event: &WSEvent{
					EventType: "ping",
					Data:      map[string]any{"a": float64(1)},
					Context:   Context{ID: "c1", UserID: "u1"},
				},
			},
		},
		{name: "null frame", input: " null ", wantNull: true},
		{name: "array", input: `[1,2]`, wantErr: true},
		{name: "missing type", input: `{"id":1}`, wantErr: true},
		{name: "garbage", input: `{"type":`, wantErr: true},
		{name: "empty", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseMessage([]byte(tt.input))
			if tt.wantNull {
				if !errors.Is(err, ErrNullMessage) {
					t.Fatalf("ParseMessage() error = %v, want ErrNullMessage", err)
				}
				return
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseMessage() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWSMessage_DecodeResult(t *testing.T) {
	t.Parallel()

	msg, err := ParseMessage([]byte(`{"id":3,"type":"result","success":true,"result":[{"entity_id":"light.x","state":"on","attributes":{}}]}`))
	if err != nil {
		t.Fatal(err)
	}

	var states []Entity
	if err := msg.DecodeResult(&states); err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	want := []Entity{{EntityID: "light.x", State: "on", Attributes: map[string]any{}}}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Errorf("DecodeResult() mismatch (-want +got):\n%s", diff)
	}

	empty := &WSMessage{ID: 9, Type: MsgTypeResult}
	if err := empty.DecodeResult(&states); err == nil {
		t.Error("DecodeResult() without result should fail")
	}
}

func TestWSEvent_StateChanged(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    map[string]any
		want    *StateChangedData
		wantErr bool
	}{
		{
			name: "new state",
			data: map[string]any{
				"entity_id": "sensor.temp",
				"new_state": map[string]any{"entity_id": "sensor.temp", "state": "21", "attributes": map[string]any{"unit_of_measurement": "°C"}},
			},
			want: &StateChangedData{
				EntityID: "sensor.temp",
				NewState: &Entity{EntityID: "sensor.temp", State: "21", Attributes: map[string]any{"unit_of_measurement": "°C"}},
			},
		},
		{
			name: "removed entity",
			data: map[string]any{"entity_id": "sensor.temp", "new_state": nil},
			want: &StateChangedData{EntityID: "sensor.temp"},
		},
		{
			name:    "missing entity id",
			data:    map[string]any{"new_state": nil},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := &WSEvent{EventType: "state_changed", Data: tt.data}
			got, err := ev.StateChanged()
			if (err != nil) != tt.wantErr {
				t.Fatalf("StateChanged() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("StateChanged() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWSCommandWithPayload_MarshalJSON(t *testing.T) {
	t.Parallel()

	cmd := &WSCommandWithPayload{
		ID:   7,
		Type: MsgTypeCallService,
		Payload: map[string]any{
			"id":           99,
			"domain":       "light",
			"service_data": map[string]any{"entity_id": []string{"light.x"}},
		},
	}

	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"id":           float64(7),
		"type":         "call_service",
		"domain":       "light",
		"service_data": map[string]any{"entity_id": []any{"light.x"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MarshalJSON() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewAuthMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		token    string
		password string
		want     string
	}{
		{name: "token", token: "abc", want: `{"type":"auth","access_token":"abc"}`},
		{name: "password", password: "pw", want: `{"type":"auth","api_password":"pw"}`},
		{name: "token wins", token: "abc", password: "pw", want: `{"type":"auth","access_token":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw, err := json.Marshal(NewAuthMessage(tt.token, tt.password))
			if err != nil {
				t.Fatal(err)
			}
			if string(raw) != tt.want {
				t.Errorf("auth message = %s, want %s", raw, tt.want)
			}
		})
	}
}

func TestPayloadHelpers(t *testing.T) {
	t.Parallel()

	if diff := cmp.Diff(map[string]any{"event_type": "state_changed"}, SubscribeEventsPayload("state_changed")); diff != "" {
		t.Errorf("SubscribeEventsPayload() mismatch (-want +got):\n%s", diff)
	}

	want := map[string]any{"domain": "light", "service": "turn_on", "service_data": map[string]any{}}
	if diff := cmp.Diff(want, CallServicePayload("light", "turn_on", nil)); diff != "" {
		t.Errorf("CallServicePayload() mismatch (-want +got):\n%s", diff)
	}
}

func TestWSError_Error(t *testing.T) {
	t.Parallel()

	err := &WSError{Code: "unauthorized", Message: "nope"}
	if err.Error() != "unauthorized: nope" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestServiceDescriptions_Has(t *testing.T) {
	t.Parallel()

	var s ServiceDescriptions
	if err := json.Unmarshal([]byte(`{"light":{"turn_on":{"description":"x"}}}`), &s); err != nil {
		t.Fatal(err)
	}
	if !s.Has("light", "turn_on") || s.Has("light", "toggle") || s.Has("switch", "turn_on") {
		t.Error("Has() returned unexpected result")
	}
}

func TestFlexibleString_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  FlexibleString
	}{
		{input: `"2026.10.1"`, want: "2026.10.1"},
		{input: `["a","b"]`, want: "a, b"},
		{input: `42`, want: ""},
	}

	for _, tt := range tests {
		var got FlexibleString
		if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
