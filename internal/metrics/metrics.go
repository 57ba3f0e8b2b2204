// Package metrics exposes bridge metrics through a dedicated prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ha_remote"

// States lists every connection state reported by the state gauge.
var States = []string{"initializing", "connecting", "connected", "reconnecting", "disconnected"}

// Registry owns the prometheus registry and the bridge metrics.
type Registry struct {
	registry *prometheus.Registry
	Bridge   *BridgeMetrics
}

// NewRegistry creates a registry with bridge and Go runtime metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	bridge := NewBridgeMetrics()
	reg.MustRegister(bridge.collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{registry: reg, Bridge: bridge}
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// BridgeMetrics groups the per-connection metrics. All methods are safe on
// a nil receiver so callers can run without metrics.
type BridgeMetrics struct {
	connectionState  *prometheus.GaugeVec
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	mirroredEntities *prometheus.GaugeVec
	filteredEntities *prometheus.CounterVec
}

// NewBridgeMetrics creates unregistered bridge metrics.
func NewBridgeMetrics() *BridgeMetrics {
	return &BridgeMetrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per remote instance (1 for the active state).",
		}, []string{"instance", "state"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "WebSocket messages received from remote instances.",
		}, []string{"instance", "type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "WebSocket messages sent to remote instances.",
		}, []string{"instance", "type"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per remote instance.",
		}, []string{"instance"}),
		mirroredEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mirrored_entities",
			Help:      "Entities currently mirrored from each remote instance.",
		}, []string{"instance"}),
		filteredEntities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filtered_entities_total",
			Help:      "Entity states dropped by the filter, by reason.",
		}, []string{"instance", "reason"}),
	}
}

func (m *BridgeMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.connectionState,
		m.messagesReceived,
		m.messagesSent,
		m.reconnects,
		m.mirroredEntities,
		m.filteredEntities,
	}
}

// SetConnectionState marks state as the active state of instance.
func (m *BridgeMetrics) SetConnectionState(instance, state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(instance, s).Set(v)
	}
}

// MessageReceived counts an inbound message.
func (m *BridgeMetrics) MessageReceived(instance, msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(instance, msgType).Inc()
}

// MessageSent counts an outbound message.
func (m *BridgeMetrics) MessageSent(instance, msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(instance, msgType).Inc()
}

// Reconnect counts a reconnect attempt.
func (m *BridgeMetrics) Reconnect(instance string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(instance).Inc()
}

// SetMirroredEntities records the size of the mirrored entity set.
func (m *BridgeMetrics) SetMirroredEntities(instance string, n int) {
	if m == nil {
		return
	}
	m.mirroredEntities.WithLabelValues(instance).Set(float64(n))
}

// EntityFiltered counts a dropped entity state.
func (m *BridgeMetrics) EntityFiltered(instance, reason string) {
	if m == nil {
		return
	}
	m.filteredEntities.WithLabelValues(instance, reason).Inc()
}
