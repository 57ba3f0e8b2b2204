// Package config provides configuration loading for the ha-remote bridge.
// Configuration is loaded in order: YAML file → .env file → ENV vars → CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zorak1103/ha-remote/internal/entityid"
	"github.com/zorak1103/ha-remote/internal/filter"
	"github.com/zorak1103/ha-remote/internal/hub"
)

// Instance defaults applied to every entry of the instances list.
const (
	DefaultInstancePort      = 8123
	DefaultMaxMessageSize    = 16 * 1024 * 1024
	DefaultReconnectInterval = 10 * time.Second
)

// DefaultSubscribeEvents is used when an instance omits subscribe_events.
// An explicit empty list subscribes to nothing.
var DefaultSubscribeEvents = []string{hub.EventStateChanged, hub.EventServiceRegistered}

var loadEnvOnce sync.Once

// loadDotEnv loads .env file if it exists (does not override existing env vars).
// It is called once before loading configuration.
func loadDotEnv() {
	loadEnvOnce.Do(func() {
		dotEnvSearchPaths := []string{".env", "configs/.env"}
		for _, f := range dotEnvSearchPaths {
			if _, err := os.Stat(f); err == nil {
				_ = godotenv.Load(f)
				return
			}
		}
	})
}

// mustBindEnv binds an environment variable to a config key, panicking on error.
// This is safe because viper.BindEnv only fails if the key is empty, which is a programming error.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("failed to bind env var for key %s: %v", key, err))
	}
}

// Config holds all configuration for the bridge.
type Config struct {
	Logging   LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Local     LocalConfig      `mapstructure:"local" yaml:"local"`
	Customize []CustomizeEntry `mapstructure:"customize" yaml:"customize,omitempty"`
	Instances []InstanceConfig `mapstructure:"instances" yaml:"instances"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// ServerConfig holds the local HTTP server settings.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LocalConfig describes this instance in the discovery view.
type LocalConfig struct {
	LocationName string `mapstructure:"location_name" yaml:"location_name"`
	UUID         string `mapstructure:"uuid" yaml:"uuid"`
}

// CustomizeEntry overrides attributes of one local entity.
type CustomizeEntry struct {
	EntityID   string         `mapstructure:"entity_id" yaml:"entity_id"`
	Attributes map[string]any `mapstructure:"attributes" yaml:"attributes"`
}

// EntitySelector lists entities and domains.
type EntitySelector struct {
	Entities []string `mapstructure:"entities" yaml:"entities,omitempty"`
	Domains  []string `mapstructure:"domains" yaml:"domains,omitempty"`
}

// FilterRule is one ordered filter rule.
type FilterRule struct {
	EntityID          string   `mapstructure:"entity_id" yaml:"entity_id,omitempty"`
	UnitOfMeasurement string   `mapstructure:"unit_of_measurement" yaml:"unit_of_measurement,omitempty"`
	Below             *float64 `mapstructure:"below" yaml:"below,omitempty"`
	Above             *float64 `mapstructure:"above" yaml:"above,omitempty"`
}

// InstanceConfig configures one remote instance.
type InstanceConfig struct {
	Host              string         `mapstructure:"host" yaml:"host"`
	Port              int            `mapstructure:"port" yaml:"port"`
	Secure            bool           `mapstructure:"secure" yaml:"secure"`
	VerifySSL         bool           `mapstructure:"verify_ssl" yaml:"verify_ssl"`
	AccessToken       string         `mapstructure:"access_token" yaml:"access_token,omitempty"`
	APIPassword       string         `mapstructure:"api_password" yaml:"api_password,omitempty"`
	SubscribeEvents   []string       `mapstructure:"subscribe_events" yaml:"subscribe_events"`
	EntityPrefix      string         `mapstructure:"entity_prefix" yaml:"entity_prefix,omitempty"`
	Include           EntitySelector `mapstructure:"include" yaml:"include,omitempty"`
	Exclude           EntitySelector `mapstructure:"exclude" yaml:"exclude,omitempty"`
	Filter            []FilterRule   `mapstructure:"filter" yaml:"filter,omitempty"`
	MaxMessageSize    int64          `mapstructure:"max_message_size" yaml:"max_message_size"`
	ReconnectInterval time.Duration  `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	ServicePrefix     string         `mapstructure:"service_prefix" yaml:"service_prefix,omitempty"`
	Services          []string       `mapstructure:"services" yaml:"services,omitempty"`
}

// FilterConfig converts the include, exclude and filter sections.
func (i InstanceConfig) FilterConfig() filter.Config {
	rules := make([]filter.Rule, 0, len(i.Filter))
	for _, r := range i.Filter {
		rules = append(rules, filter.Rule(r))
	}
	return filter.Config{
		IncludeEntities: i.Include.Entities,
		IncludeDomains:  i.Include.Domains,
		ExcludeEntities: i.Exclude.Entities,
		ExcludeDomains:  i.Exclude.Domains,
		Rules:           rules,
	}
}

// Customizations returns the customize section keyed by entity id.
func (c *Config) Customizations() hub.Customizations {
	out := make(hub.Customizations, len(c.Customize))
	for _, e := range c.Customize {
		id := entityid.Normalize(e.EntityID)
		if out[id] == nil {
			out[id] = map[string]any{}
		}
		for k, v := range e.Attributes {
			out[id][k] = v
		}
	}
	return out
}

// BindFlags binds the global flags to viper keys.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"logging.level":       "log-level",
		"server.port":         "port",
		"local.location_name": "location-name",
	}
	for key, name := range bindings {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Load loads and validates configuration from the YAML file, the environment
// and defaults. The configFile parameter can be empty.
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.New(), configFile)
}

// LoadWithViper loads configuration using a pre-configured viper instance.
// This allows CLI flags to be bound before loading.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	cfg, err := load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Local.UUID == "" {
		cfg.Local.UUID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

// LoadForDisplay loads configuration without validation, for display purposes.
func LoadForDisplay(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	return load(v, configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	loadDotEnv()

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8124)
	v.SetDefault("local.location_name", "Home")
	v.SetDefault("local.uuid", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	mustBindEnv(v, "logging.level", "HA_REMOTE_LOG_LEVEL")
	mustBindEnv(v, "server.port", "HA_REMOTE_PORT")
	mustBindEnv(v, "local.location_name", "HA_REMOTE_LOCATION_NAME")
	mustBindEnv(v, "local.uuid", "HA_REMOTE_UUID")

	if err := applyInstanceDefaults(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// applyInstanceDefaults fills missing keys of every instances entry.
// Viper defaults do not reach into list elements.
func applyInstanceDefaults(v *viper.Viper) error {
	raw := v.Get("instances")
	if raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return errors.New("instances must be a list")
	}

	defaults := map[string]any{
		"port":               DefaultInstancePort,
		"secure":             false,
		"verify_ssl":         true,
		"subscribe_events":   DefaultSubscribeEvents,
		"entity_prefix":      "",
		"max_message_size":   DefaultMaxMessageSize,
		"reconnect_interval": DefaultReconnectInterval.String(),
	}

	out := make([]any, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("instances[%d] must be a mapping", i)
		}
		filled := make(map[string]any, len(m)+len(defaults))
		for k, val := range m {
			filled[strings.ToLower(k)] = val
		}
		for k, val := range defaults {
			if _, set := filled[k]; !set {
				filled[k] = val
			}
		}
		out = append(out, filled)
	}
	v.Set("instances", out)
	return nil
}

// MaskedConfig returns a copy of the config with sensitive data masked.
func (c *Config) MaskedConfig() Config {
	masked := *c
	masked.Instances = make([]InstanceConfig, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.AccessToken != "" {
			inst.AccessToken = maskToken(inst.AccessToken)
		}
		if inst.APIPassword != "" {
			inst.APIPassword = maskToken(inst.APIPassword)
		}
		masked.Instances[i] = inst
	}
	return masked
}

// maskToken masks a token, showing only the first 4 and last 4 characters.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// validate checks that all required configuration is present.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one entry in instances is required")
	}
	seen := make(map[string]int, len(c.Instances))
	for i, inst := range c.Instances {
		if err := inst.validate(); err != nil {
			return fmt.Errorf("instances[%d]: %w", i, err)
		}
		key := fmt.Sprintf("%s:%d", strings.ToLower(inst.Host), inst.Port)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("instances[%d]: %s already configured in instances[%d]", i, key, prev)
		}
		seen[key] = i
	}
	for i, e := range c.Customize {
		if _, _, err := entityid.Split(e.EntityID); err != nil {
			return fmt.Errorf("customize[%d]: %w", i, err)
		}
	}
	return nil
}

func (i InstanceConfig) validate() error {
	if i.Host == "" {
		return fmt.Errorf("host is required")
	}
	if i.Port <= 0 || i.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if i.AccessToken != "" && i.APIPassword != "" {
		return fmt.Errorf("access_token and api_password are mutually exclusive")
	}
	if i.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if i.ReconnectInterval < 0 {
		return fmt.Errorf("reconnect_interval must not be negative")
	}
	if _, err := filter.New(i.FilterConfig()); err != nil {
		return err
	}
	for _, s := range i.Services {
		domain, service, ok := strings.Cut(s, ".")
		if !ok || domain == "" || service == "" {
			return fmt.Errorf("services: %q is not <domain>.<service>", s)
		}
	}
	return nil
}
