package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zorak1103/ha-remote/internal/config"
	"github.com/zorak1103/ha-remote/internal/homeassistant"
	"github.com/zorak1103/ha-remote/internal/logging"
	"github.com/zorak1103/ha-remote/internal/remote"
)

// discoveryTimeout bounds one REST discovery round trip.
const discoveryTimeout = 10 * time.Second

var errNoAccessToken = errors.New("discovery needs an access token")

// profileFromConfig converts one instances entry into a connection profile.
func profileFromConfig(inst config.InstanceConfig) remote.Profile {
	return remote.Profile{
		Host:              inst.Host,
		Port:              inst.Port,
		Secure:            inst.Secure,
		VerifySSL:         inst.VerifySSL,
		AccessToken:       inst.AccessToken,
		APIPassword:       inst.APIPassword,
		SubscribeEvents:   inst.SubscribeEvents,
		EntityPrefix:      inst.EntityPrefix,
		Filter:            inst.FilterConfig(),
		MaxMessageSize:    inst.MaxMessageSize,
		ReconnectInterval: inst.ReconnectInterval,
		ServicePrefix:     inst.ServicePrefix,
		Services:          inst.Services,
	}
}

// buildConnections creates one connection per configured instance.
func buildConnections(cfg *config.Config, opts remote.Options) ([]*remote.Connection, error) {
	conns := make([]*remote.Connection, 0, len(cfg.Instances))
	for i, inst := range cfg.Instances {
		c, err := remote.New(profileFromConfig(inst), opts)
		if err != nil {
			return nil, fmt.Errorf("instances[%d]: %w", i, err)
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// discover queries the REST discovery endpoint of one instance.
func discover(ctx context.Context, inst config.InstanceConfig) (*homeassistant.DiscoveryInfo, error) {
	if inst.AccessToken == "" {
		return nil, errNoAccessToken
	}
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	client := homeassistant.NewRESTClientWithConfig(
		homeassistant.BaseURL(inst.Host, inst.Port, inst.Secure),
		inst.AccessToken,
		homeassistant.RESTClientConfig{Timeout: discoveryTimeout, VerifySSL: inst.VerifySSL},
	)
	return client.FetchDiscoveryInfo(ctx)
}

// annotate looks up the remote uuid for the status entities. Failures
// are logged and otherwise ignored; the connection reports them itself.
func annotate(ctx context.Context, c *remote.Connection, inst config.InstanceConfig, logger *logging.Logger) {
	info, err := discover(ctx, inst)
	if err != nil {
		logger.Debug("Remote discovery skipped", "instance", c.Instance(), "error", err)
		return
	}
	c.SetRemoteUUID(info.UUID)
	logger.Info("Discovered remote instance",
		"instance", c.Instance(),
		"uuid", info.UUID,
		"location_name", info.LocationName,
		"version", info.Version.String())
}
