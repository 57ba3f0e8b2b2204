package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zorak1103/ha-remote/internal/entityid"
	"github.com/zorak1103/ha-remote/internal/filter"
	"github.com/zorak1103/ha-remote/internal/homeassistant"
	"github.com/zorak1103/ha-remote/internal/hub"
)

// initialize runs after every successful authentication.
func (c *Connection) initialize(ctx context.Context) error {
	c.unsubscribe = c.opts.Bus.Subscribe(hub.EventCallService, c.forwardEvent)

	for _, eventType := range c.profile.SubscribeEvents {
		payload := homeassistant.SubscribeEventsPayload(eventType)
		if _, err := c.mux.Send(ctx, homeassistant.MsgTypeSubscribeEvents, payload, SubscriptionHandler(c.dispatchEvent)); err != nil {
			return err
		}
	}

	if _, err := c.mux.Send(ctx, homeassistant.MsgTypeGetStates, nil, OneShotHandler(c.importStates)); err != nil {
		return err
	}

	if c.proxiesConfigured() {
		if _, err := c.mux.Send(ctx, homeassistant.MsgTypeGetServices, nil, OneShotHandler(c.registerProxies)); err != nil {
			return err
		}
	}
	return nil
}

// forwardEvent runs on the publisher's goroutine and defers the work to
// the processing loop.
func (c *Connection) forwardEvent(ev hub.Event) {
	if ev.Origin == hub.OriginRemote {
		return
	}
	c.enqueue(func(ctx context.Context) error {
		return c.forward(ctx, ev)
	})
}

// forward sends a local service call to the remote instance when it
// targets entities this connection mirrors.
func (c *Connection) forward(ctx context.Context, ev hub.Event) error {
	serviceData, _ := ev.Data["service_data"].(map[string]any)
	if len(serviceData) == 0 {
		return nil
	}
	targets := entityIDList(serviceData["entity_id"])
	if len(targets) == 0 {
		return nil
	}

	c.mu.RLock()
	owned := c.entities.Intersect(targets)
	c.mu.RUnlock()
	if len(owned) == 0 {
		return nil
	}

	remoteIDs := make([]string, 0, len(owned))
	for _, id := range owned {
		remoteID, err := c.rewriter.Remote(id)
		if err != nil {
			continue
		}
		remoteIDs = append(remoteIDs, remoteID)
	}

	payload := deepCopyMap(ev.Data)
	payload["service_data"].(map[string]any)["entity_id"] = remoteIDs
	delete(payload, "service_call_id")

	c.logger.Debug("Forwarding service call", "event_type", ev.Type, "entities", remoteIDs)
	if _, err := c.mux.Send(ctx, ev.Type, payload, nil); err != nil {
		return fmt.Errorf("forwarding %s: %w", ev.Type, err)
	}
	return nil
}

// dispatchEvent handles messages delivered to an event subscription.
func (c *Connection) dispatchEvent(msg *homeassistant.WSMessage) {
	if msg.Type != homeassistant.MsgTypeEvent || msg.Event == nil {
		return
	}
	ev := msg.Event

	if ev.EventType != hub.EventStateChanged {
		c.opts.Bus.Publish(hub.Event{
			Type:   ev.EventType,
			Data:   ev.Data,
			Origin: hub.OriginRemote,
			Context: hub.Context{
				ID:       ev.Context.ID,
				UserID:   ev.Context.UserID,
				ParentID: ev.Context.ParentID,
			},
			TimeFired: parseTime(ev.TimeFired),
		})
		return
	}

	data, err := ev.StateChanged()
	if err != nil {
		c.logger.Warn("Ignoring malformed state_changed event", "error", err)
		return
	}
	if data.NewState == nil {
		c.removeEntity(data.EntityID)
		return
	}
	c.ingest(data.EntityID, data.NewState.State, data.NewState.Attributes)
}

// importStates handles the get_states result.
func (c *Connection) importStates(msg *homeassistant.WSMessage) {
	if !msg.Success {
		c.logger.Warn("Fetching remote states failed", "error", msg.Error)
		return
	}
	var states []homeassistant.Entity
	if err := msg.DecodeResult(&states); err != nil {
		c.logger.Warn("Ignoring malformed states result", "error", err)
		return
	}
	for _, st := range states {
		c.ingest(st.EntityID, st.State, st.Attributes)
	}
	c.logger.Info("Imported remote states", "received", len(states), "mirrored", len(c.MirroredEntities()))
}

// ingest filters, rewrites and stores one remote entity state.
func (c *Connection) ingest(remoteID, state string, attrs map[string]any) {
	decision := c.filter.Evaluate(remoteID, state, attrs)
	if !decision.Accepted {
		c.opts.Metrics.EntityFiltered(c.Instance(), string(decision.Reason))
		switch decision.Reason {
		case filter.ReasonBelow, filter.ReasonAbove:
			c.logger.Debug("Dropping state outside bounds", "entity_id", remoteID, "reason", decision.Detail)
		default:
			c.logger.Trace("Dropping entity", "entity_id", remoteID, "reason", decision.Reason)
		}
		return
	}

	localID, err := c.rewriter.Local(remoteID)
	if err != nil {
		return
	}

	merged := make(map[string]any, len(attrs))
	for k, v := range attrs {
		merged[k] = v
	}
	if c.opts.Customizer != nil {
		for k, v := range c.opts.Customizer.Attributes(localID) {
			merged[k] = v
		}
	}

	c.mu.Lock()
	c.entities.Add(localID)
	n := len(c.entities)
	c.mu.Unlock()

	c.opts.Store.Set(localID, state, merged)
	c.opts.Metrics.SetMirroredEntities(c.Instance(), n)
}

// removeEntity drops a remote entity that was deleted on the remote side.
func (c *Connection) removeEntity(remoteID string) {
	localID, err := c.rewriter.Local(remoteID)
	if err != nil {
		return
	}

	c.mu.Lock()
	owned := c.entities.Remove(localID)
	n := len(c.entities)
	c.mu.Unlock()

	if !owned {
		return
	}
	c.opts.Store.Remove(localID)
	c.opts.Metrics.SetMirroredEntities(c.Instance(), n)
	c.logger.Debug("Removed entity deleted on remote", "entity_id", localID)
}

// entityIDList normalizes the entity_id field of service data.
func entityIDList(v any) []string {
	switch ids := v.(type) {
	case string:
		if ids == "" {
			return nil
		}
		return []string{entityid.Normalize(ids)}
	case []string:
		return ids
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
