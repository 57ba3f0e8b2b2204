package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zorak1103/ha-remote/internal/homeassistant"
	"github.com/zorak1103/ha-remote/internal/hub"
)

// ServiceCallLimit bounds how long a proxy service waits for the remote result.
const ServiceCallLimit = 10 * time.Second

// ErrServiceCallFailed wraps an unsuccessful remote service result.
var ErrServiceCallFailed = errors.New("remote service call failed")

func (c *Connection) proxiesConfigured() bool {
	return c.opts.Services != nil && c.profile.ServicePrefix != "" && len(c.profile.Services) > 0
}

// registerProxies handles the get_services result and registers a local
// "<domain>.<prefix><service>" for every configured remote service.
func (c *Connection) registerProxies(msg *homeassistant.WSMessage) {
	if !msg.Success {
		c.logger.Warn("Fetching remote services failed", "error", msg.Error)
		return
	}
	var described homeassistant.ServiceDescriptions
	if err := msg.DecodeResult(&described); err != nil {
		c.logger.Warn("Ignoring malformed services result", "error", err)
		return
	}

	for _, full := range c.profile.Services {
		domain, service, ok := strings.Cut(strings.ToLower(full), ".")
		if !ok || domain == "" || service == "" {
			c.logger.Warn("Skipping invalid proxy service", "service", full)
			continue
		}
		if !described.Has(domain, service) {
			c.logger.Warn("Remote instance does not provide service", "service", full)
		}

		local := c.profile.ServicePrefix + service
		if err := c.opts.Services.Register(domain, local, c.proxyHandler(domain, service)); err != nil {
			c.logger.Warn("Registering proxy service failed", "service", domain+"."+local, "error", err)
			continue
		}
		c.proxies = append(c.proxies, proxyService{domain: domain, service: local})
		c.logger.Info("Registered proxy service", "service", domain+"."+local, "remote", full)
	}
}

// unregisterProxies removes every proxy service registered by this session.
func (c *Connection) unregisterProxies() {
	for _, p := range c.proxies {
		c.opts.Services.Unregister(p.domain, p.service)
	}
	c.proxies = nil
}

type callResult struct {
	msg *homeassistant.WSMessage
	err error
}

// proxyHandler forwards a local service call to the remote service and
// waits for its result.
func (c *Connection) proxyHandler(domain, service string) hub.ServiceHandler {
	return func(ctx context.Context, call hub.ServiceCall) error {
		ctx, cancel := context.WithTimeout(ctx, ServiceCallLimit)
		defer cancel()

		done := make(chan callResult, 1)
		payload := homeassistant.CallServicePayload(domain, service, call.Data)

		queued := c.enqueue(func(sctx context.Context) error {
			_, err := c.mux.Send(sctx, homeassistant.MsgTypeCallService, payload, OneShotHandler(func(msg *homeassistant.WSMessage) {
				done <- callResult{msg: msg}
			}))
			if err != nil {
				done <- callResult{err: err}
				if errors.Is(err, ErrNotConnected) {
					return nil
				}
				return err
			}
			return nil
		})
		if !queued {
			return fmt.Errorf("calling %s.%s on %s: queue full", domain, service, c.Instance())
		}

		select {
		case res := <-done:
			if res.err != nil {
				return fmt.Errorf("calling %s.%s on %s: %w", domain, service, c.Instance(), res.err)
			}
			if !res.msg.Success {
				if res.msg.Error != nil {
					return fmt.Errorf("%w: %s", ErrServiceCallFailed, res.msg.Error.Message)
				}
				return ErrServiceCallFailed
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("calling %s.%s on %s: %w", domain, service, c.Instance(), ctx.Err())
		}
	}
}
