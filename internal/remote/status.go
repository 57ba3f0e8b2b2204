package remote

import (
	"strconv"
	"strings"

	"github.com/zorak1103/ha-remote/internal/hub"
)

// EventStatus is published on the local bus on every state change.
const EventStatus = "remote_homeassistant_status"

// StatusEntityIDs returns the sensor and binary_sensor ids that report
// the connection state of an instance.
func StatusEntityIDs(host string, port int) (sensor, binarySensor string) {
	object := "remote_connection_" + slug(host) + "_" + strconv.Itoa(port)
	return "sensor." + object, "binary_sensor." + object
}

func slug(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// setState records a state transition and announces it. Repeated
// transitions into the current state are ignored.
func (c *Connection) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Info("Connection state changed", "from", prev, "to", s)
	c.publishStatus(s)
}

// publishStatus updates the status entities, the bus and the metrics.
func (c *Connection) publishStatus(s State) {
	sensorID, binaryID := StatusEntityIDs(c.profile.Host, c.profile.Port)

	attrs := map[string]any{
		"host":          c.profile.Host,
		"port":          c.profile.Port,
		"secure":        c.profile.Secure,
		"verify_ssl":    c.profile.VerifySSL,
		"entity_prefix": c.rewriter.Prefix(),
		"uuid":          c.RemoteUUID(),
	}
	c.opts.Store.Set(sensorID, string(s), attrs)

	binaryAttrs := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		binaryAttrs[k] = v
	}
	binaryAttrs["device_class"] = "connectivity"
	onOff := "off"
	if s == StateConnected {
		onOff = "on"
	}
	c.opts.Store.Set(binaryID, onOff, binaryAttrs)

	c.opts.Bus.Publish(hub.Event{
		Type: EventStatus,
		Data: map[string]any{
			"instance": c.Instance(),
			"state":    string(s),
		},
	})
	c.opts.Metrics.SetConnectionState(c.Instance(), string(s))
}
