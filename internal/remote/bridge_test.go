package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zorak1103/ha-remote/internal/filter"
	"github.com/zorak1103/ha-remote/internal/homeassistant"
	"github.com/zorak1103/ha-remote/internal/hub"
)

type testEnv struct {
	bus      *hub.MemoryBus
	store    *hub.MemoryStore
	services *hub.MemoryServices
}

func newTestEnv() *testEnv {
	bus := hub.NewMemoryBus(nil)
	return &testEnv{
		bus:      bus,
		store:    hub.NewMemoryStore(bus),
		services: hub.NewMemoryServices(bus),
	}
}

func (e *testEnv) options() Options {
	return Options{Store: e.store, Bus: e.bus, Services: e.services}
}

func newTestConnection(t *testing.T, profile Profile, opts Options) *Connection {
	t.Helper()
	if profile.Host == "" {
		profile.Host = "east.local"
	}
	if profile.Port == 0 {
		profile.Port = 8123
	}
	c, err := New(profile, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func stateOf(t *testing.T, store *hub.MemoryStore, id string) (string, bool) {
	t.Helper()
	st, ok := store.Get(id)
	return st.State, ok
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	tests := []struct {
		name    string
		profile Profile
		opts    Options
	}{
		{name: "missing host", profile: Profile{Port: 8123}, opts: env.options()},
		{name: "bad port", profile: Profile{Host: "h", Port: 70000}, opts: env.options()},
		{name: "missing store", profile: Profile{Host: "h", Port: 1}, opts: Options{Bus: env.bus}},
		{name: "bad filter", profile: Profile{Host: "h", Port: 1, Filter: filter.Config{Rules: []filter.Rule{{EntityID: "[a"}}}}, opts: env.options()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.profile, tt.opts); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, Profile{Host: "east.local", Port: 8123, Secure: true}, newTestEnv().options())

	if c.State() != StateInitializing {
		t.Errorf("State() = %q, want initializing", c.State())
	}
	if c.Profile().MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("MaxMessageSize = %d, want %d", c.Profile().MaxMessageSize, DefaultMaxMessageSize)
	}
	if c.reconnect.Interval() != DefaultReconnectInterval {
		t.Errorf("reconnect interval = %v, want %v", c.reconnect.Interval(), DefaultReconnectInterval)
	}
	if got := c.Profile().WebSocketURL(); got != "wss://east.local:8123/api/websocket" {
		t.Errorf("WebSocketURL() = %q", got)
	}
	if got := c.Instance(); got != "east.local:8123" {
		t.Errorf("Instance() = %q", got)
	}
}

func TestIngest_PrefixAndIdempotence(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	c := newTestConnection(t, Profile{EntityPrefix: "east_"}, env.options())

	attrs := map[string]any{"unit_of_measurement": "°C"}
	c.ingest("sensor.temp", "21", attrs)
	c.ingest("sensor.temp", "21", attrs)

	if diff := cmp.Diff([]string{"sensor.east_temp"}, c.MirroredEntities()); diff != "" {
		t.Errorf("MirroredEntities() mismatch (-want +got):\n%s", diff)
	}
	st, ok := env.store.Get("sensor.east_temp")
	if !ok {
		t.Fatal("prefixed entity missing from store")
	}
	if st.State != "21" {
		t.Errorf("state = %q, want 21", st.State)
	}
	if diff := cmp.Diff(attrs, st.Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}
	if _, ok := env.store.Get("sensor.temp"); ok {
		t.Error("unprefixed id leaked into the store")
	}
}

func TestIngest_FilterPipeline(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	below := 10.0
	opts := env.options()
	opts.Customizer = hub.Customizations{
		"sensor.high": {"friendly_name": "Local name"},
	}
	c := newTestConnection(t, Profile{
		Filter: filter.Config{
			ExcludeDomains: []string{"switch"},
			Rules:          []filter.Rule{{EntityID: "sensor.*", Below: &below}},
		},
	}, opts)

	c.ingest("switch.pump", "on", nil)
	c.ingest("light.kitchen", "on", nil)
	c.ingest("sensor.low", "5", nil)
	c.ingest("sensor.high", "15", map[string]any{"friendly_name": "Remote name", "icon": "mdi:x"})
	c.ingest("sensor.text", "unavailable", nil)
	c.ingest("bogus", "1", nil)

	if diff := cmp.Diff([]string{"sensor.high", "sensor.text"}, c.MirroredEntities()); diff != "" {
		t.Errorf("MirroredEntities() mismatch (-want +got):\n%s", diff)
	}
	st, _ := env.store.Get("sensor.high")
	want := map[string]any{"friendly_name": "Local name", "icon": "mdi:x"}
	if diff := cmp.Diff(want, st.Attributes); diff != "" {
		t.Errorf("customized attributes mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	c := newTestConnection(t, Profile{EntityPrefix: "east_"}, env.options())

	var mu sync.Mutex
	var republished []hub.Event
	env.bus.Subscribe("custom_event", func(ev hub.Event) {
		mu.Lock()
		defer mu.Unlock()
		republished = append(republished, ev)
	})

	stateChanged := func(id string, newState map[string]any) *homeassistant.WSMessage {
		return &homeassistant.WSMessage{ID: 1, Type: homeassistant.MsgTypeEvent, Event: &homeassistant.WSEvent{
			EventType: hub.EventStateChanged,
			Data:      map[string]any{"entity_id": id, "new_state": newState},
		}}
	}

	c.dispatchEvent(&homeassistant.WSMessage{ID: 1, Type: homeassistant.MsgTypeResult, Success: true})
	c.dispatchEvent(stateChanged("light.x", map[string]any{"state": "on", "attributes": map[string]any{}}))
	if got, _ := stateOf(t, env.store, "light.east_x"); got != "on" {
		t.Fatalf("light.east_x = %q, want on", got)
	}

	// A deletion for an entity this connection never mirrored leaves the store alone.
	env.store.Set("light.east_foreign", "on", nil)
	c.dispatchEvent(stateChanged("light.foreign", nil))
	if _, ok := env.store.Get("light.east_foreign"); !ok {
		t.Error("unowned entity removed")
	}

	c.dispatchEvent(stateChanged("light.x", nil))
	if _, ok := env.store.Get("light.east_x"); ok {
		t.Error("deleted remote entity still in store")
	}
	if len(c.MirroredEntities()) != 0 {
		t.Errorf("MirroredEntities() = %v, want empty", c.MirroredEntities())
	}

	c.dispatchEvent(&homeassistant.WSMessage{ID: 1, Type: homeassistant.MsgTypeEvent, Event: &homeassistant.WSEvent{
		EventType: "custom_event",
		Data:      map[string]any{"k": "v"},
		TimeFired: "2026-10-19T08:00:00.123456+00:00",
		Context:   homeassistant.Context{ID: "ctx1", UserID: "user1", ParentID: "parent1"},
	}})

	mu.Lock()
	defer mu.Unlock()
	if len(republished) != 1 {
		t.Fatalf("republished %d events, want 1", len(republished))
	}
	ev := republished[0]
	if ev.Origin != hub.OriginRemote {
		t.Errorf("origin = %q, want REMOTE", ev.Origin)
	}
	if diff := cmp.Diff(hub.Context{ID: "ctx1", UserID: "user1", ParentID: "parent1"}, ev.Context); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if ev.TimeFired.Year() != 2026 {
		t.Errorf("TimeFired = %v", ev.TimeFired)
	}
}

func TestImportStates(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	c := newTestConnection(t, Profile{}, env.options())

	c.importStates(&homeassistant.WSMessage{
		ID: 3, Type: homeassistant.MsgTypeResult, Success: true,
		Result: []byte(`[{"entity_id":"light.x","state":"on","attributes":{}},{"entity_id":"Sensor.Y","state":"1","attributes":{"a":1}}]`),
	})

	if diff := cmp.Diff([]string{"light.x", "sensor.y"}, c.MirroredEntities()); diff != "" {
		t.Errorf("MirroredEntities() mismatch (-want +got):\n%s", diff)
	}

	c.importStates(&homeassistant.WSMessage{ID: 4, Type: homeassistant.MsgTypeResult, Success: false})
	c.importStates(&homeassistant.WSMessage{ID: 5, Type: homeassistant.MsgTypeResult, Success: true, Result: []byte(`{}`)})
	if len(c.MirroredEntities()) != 2 {
		t.Error("failed results changed the mirrored set")
	}
}

func TestForward_RoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	c := newTestConnection(t, Profile{EntityPrefix: "east_"}, env.options())
	w := &frameRecorder{}
	c.mux.Attach(w)

	c.ingest("light.lamp", "off", nil)
	c.ingest("light.desk", "off", nil)

	ev := hub.Event{
		Type: hub.EventCallService,
		Data: map[string]any{
			"domain":          "light",
			"service":         "turn_on",
			"service_call_id": "abc",
			"service_data": map[string]any{
				"entity_id":  []any{"LIGHT.EAST_LAMP", "light.other", "light.east_desk"},
				"brightness": 10,
			},
		},
	}
	original := deepCopyMap(ev.Data)

	if err := c.forward(context.Background(), ev); err != nil {
		t.Fatalf("forward() error = %v", err)
	}

	want := []map[string]any{{
		"id":      float64(1),
		"type":    "call_service",
		"domain":  "light",
		"service": "turn_on",
		"service_data": map[string]any{
			"entity_id":  []any{"light.lamp", "light.desk"},
			"brightness": float64(10),
		},
	}}
	if diff := cmp.Diff(want, w.frames); diff != "" {
		t.Errorf("forwarded frame mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(original, ev.Data); diff != "" {
		t.Errorf("event payload mutated (-want +got):\n%s", diff)
	}
}

func TestForward_Ignored(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	c := newTestConnection(t, Profile{}, env.options())
	w := &frameRecorder{}
	c.mux.Attach(w)
	c.ingest("light.lamp", "off", nil)

	events := []map[string]any{
		{"domain": "light", "service": "turn_on"},
		{"domain": "light", "service": "turn_on", "service_data": map[string]any{}},
		{"domain": "light", "service": "turn_on", "service_data": map[string]any{"brightness": 1}},
		{"domain": "light", "service": "turn_on", "service_data": map[string]any{"entity_id": "light.other"}},
	}
	for _, data := range events {
		if err := c.forward(context.Background(), hub.Event{Type: hub.EventCallService, Data: data}); err != nil {
			t.Fatalf("forward() error = %v", err)
		}
	}
	if len(w.frames) != 0 {
		t.Errorf("forwarded %d frames, want 0", len(w.frames))
	}

	// Single string ids are case-folded.
	err := c.forward(context.Background(), hub.Event{Type: hub.EventCallService, Data: map[string]any{
		"domain": "light", "service": "toggle", "service_data": map[string]any{"entity_id": "Light.Lamp"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("forwarded %d frames, want 1", len(w.frames))
	}
}

func TestForwardEvent_SkipsRemoteOrigin(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t, Profile{}, newTestEnv().options())
	c.forwardEvent(hub.Event{Type: hub.EventCallService, Origin: hub.OriginRemote})
	if len(c.tasks) != 0 {
		t.Error("remote call_service event was queued for forwarding")
	}
	c.forwardEvent(hub.Event{Type: hub.EventCallService, Origin: hub.OriginLocal})
	if len(c.tasks) != 1 {
		t.Error("local call_service event was not queued")
	}
}

func TestEntityIDList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want []string
	}{
		{name: "nil", in: nil, want: nil},
		{name: "empty string", in: "", want: nil},
		{name: "string", in: "Light.X", want: []string{"light.x"}},
		{name: "string slice", in: []string{"light.a", "light.b"}, want: []string{"light.a", "light.b"}},
		{name: "any slice", in: []any{"light.a", 3, ""}, want: []string{"light.a"}},
		{name: "number", in: 7, want: nil},
	}

	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, entityIDList(tt.in)); diff != "" {
			t.Errorf("%s: entityIDList() mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestStatusEntityIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host       string
		port       int
		wantSensor string
		wantBinary string
	}{
		{host: "east.local", port: 8123, wantSensor: "sensor.remote_connection_east_local_8123", wantBinary: "binary_sensor.remote_connection_east_local_8123"},
		{host: "192.168.1.10", port: 443, wantSensor: "sensor.remote_connection_192_168_1_10_443", wantBinary: "binary_sensor.remote_connection_192_168_1_10_443"},
		{host: "My--Host", port: 1, wantSensor: "sensor.remote_connection_my_host_1", wantBinary: "binary_sensor.remote_connection_my_host_1"},
	}

	for _, tt := range tests {
		sensor, binary := StatusEntityIDs(tt.host, tt.port)
		if sensor != tt.wantSensor || binary != tt.wantBinary {
			t.Errorf("StatusEntityIDs(%q, %d) = (%q, %q), want (%q, %q)", tt.host, tt.port, sensor, binary, tt.wantSensor, tt.wantBinary)
		}
	}
}

func TestSetState_PublishesStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	var mu sync.Mutex
	var states []string
	env.bus.Subscribe(EventStatus, func(ev hub.Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.Data["state"].(string))
	})

	c := newTestConnection(t, Profile{Host: "east.local", Port: 8123, EntityPrefix: "East_"}, env.options())
	c.SetRemoteUUID("remote-uuid")
	c.setState(StateConnecting)
	c.setState(StateConnected)
	c.setState(StateConnected)

	mu.Lock()
	if diff := cmp.Diff([]string{"connecting", "connected"}, states); diff != "" {
		t.Errorf("status events mismatch (-want +got):\n%s", diff)
	}
	mu.Unlock()

	sensorID, binaryID := StatusEntityIDs("east.local", 8123)
	sensor, _ := env.store.Get(sensorID)
	binary, _ := env.store.Get(binaryID)
	if sensor.State != "connected" || binary.State != "on" {
		t.Errorf("status entities = (%q, %q), want (connected, on)", sensor.State, binary.State)
	}
	if binary.Attributes["device_class"] != "connectivity" || sensor.Attributes["uuid"] != "remote-uuid" {
		t.Errorf("unexpected status attributes: %v / %v", sensor.Attributes, binary.Attributes)
	}
	if sensor.Attributes["entity_prefix"] != "east_" {
		t.Errorf("entity_prefix = %v, want the case-folded prefix", sensor.Attributes["entity_prefix"])
	}

	c.setState(StateReconnecting)
	binary, _ = env.store.Get(binaryID)
	if binary.State != "off" {
		t.Errorf("binary sensor = %q while reconnecting, want off", binary.State)
	}
}

func TestTeardown(t *testing.T) {
	t.Parallel()

	env := newTestEnv()
	c := newTestConnection(t, Profile{}, env.options())
	c.mux.Attach(&frameRecorder{})

	unsubscribed := false
	c.unsubscribe = func() { unsubscribed = true }
	c.ingest("light.a", "on", nil)
	c.ingest("light.b", "on", nil)
	env.store.Set("light.local", "on", nil)
	_, _ = c.mux.Send(context.Background(), "subscribe_events", nil, SubscriptionHandler(func(*homeassistant.WSMessage) {}))

	var queuedErr error
	c.enqueue(func(ctx context.Context) error {
		_, queuedErr = c.mux.Send(ctx, "ping", nil, nil)
		return queuedErr
	})

	c.teardown(context.Background())

	if !unsubscribed {
		t.Error("bus listener not removed")
	}
	for _, id := range []string{"light.a", "light.b"} {
		if _, ok := env.store.Get(id); ok {
			t.Errorf("%s still in store after teardown", id)
		}
	}
	if _, ok := env.store.Get("light.local"); !ok {
		t.Error("teardown removed a local entity")
	}
	if len(c.MirroredEntities()) != 0 || c.mux.Pending() != 0 {
		t.Error("teardown left mirrored entities or pending handlers")
	}
	if queuedErr == nil {
		t.Error("queued task should fail once disconnected")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %q, want disconnected", c.State())
	}
}
