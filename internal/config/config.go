// Package config loads proxy configuration from a YAML file with
// environment-variable overrides (prefix A2A_, underscores become dots).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Role of the proxy in the network. The coordinator creates bus topology
// at startup; followers attach to existing topology.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleFollower    Role = "follower"
)

type Config struct {
	Proxy    ProxyConfig   `koanf:"proxy"`
	Bus      BusConfig     `koanf:"bus"`
	Agents   []AgentConfig `koanf:"agents"`
	Sessions SessionConfig `koanf:"sessions"`
}

type ProxyConfig struct {
	ID      string `koanf:"id"`
	Role    string `koanf:"role"`
	Port    int    `koanf:"port"`
	BaseURL string `koanf:"base_url"`

	// Hosted lists the agent ids this proxy fronts locally.
	Hosted []string `koanf:"hosted"`

	RequestTimeout    time.Duration `koanf:"request_timeout"`
	StreamIdleTimeout time.Duration `koanf:"stream_idle_timeout"`
	StreamBufferCap   int           `koanf:"stream_buffer_cap"`
	StreamWindow      int           `koanf:"stream_window"`
}

type BusConfig struct {
	URL      string `koanf:"url"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	MaxRetryCount  int           `koanf:"max_retry_count"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay"`
	ReceiveBlock   time.Duration `koanf:"receive_block"`
	ClaimMinIdle   time.Duration `koanf:"claim_min_idle"`
	ClaimInterval  time.Duration `koanf:"claim_interval"`
}

type AgentConfig struct {
	ID                string   `koanf:"id"`
	Group             string   `koanf:"group"`
	Host              string   `koanf:"host"` // host:port; empty for remote agents
	Proxy             string   `koanf:"proxy"`
	Capabilities      []string `koanf:"capabilities"`
	AgentCardEndpoint string   `koanf:"agent_card_endpoint"`
	HealthEndpoint    string   `koanf:"health_endpoint"`
}

type SessionConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Path            string        `koanf:"path"` // sqlite database file
	TTL             time.Duration `koanf:"ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// Load reads path (optional; "" skips the file) and overlays A2A_*
// environment variables, e.g. A2A_PROXY_PORT=8080 sets proxy.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("A2A_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "A2A_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"proxy.role":                string(RoleFollower),
		"proxy.port":                8080,
		"proxy.request_timeout":     "30s",
		"proxy.stream_idle_timeout": "2m",
		"proxy.stream_buffer_cap":   32,
		"proxy.stream_window":       64,
		"bus.url":                   "redis://localhost:6379",
		"bus.max_retry_count":       3,
		"bus.retry_base_delay":      "250ms",
		"bus.retry_max_delay":       "10s",
		"sessions.ttl":              "1h",
		"sessions.cleanup_interval": "1m",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	if c.Proxy.ID == "" {
		return fmt.Errorf("proxy.id is required")
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port must be between 1 and 65535, got %d", c.Proxy.Port)
	}
	switch Role(c.Proxy.Role) {
	case RoleCoordinator, RoleFollower:
	default:
		return fmt.Errorf("proxy.role must be coordinator or follower, got %q", c.Proxy.Role)
	}
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" || a.Group == "" || a.Proxy == "" {
			return fmt.Errorf("agent entry needs id, group, and proxy: %+v", a)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	for _, hosted := range c.Proxy.Hosted {
		if _, ok := seen[hosted]; !ok {
			return fmt.Errorf("hosted agent %q not present in agents list", hosted)
		}
	}
	if c.Sessions.Enabled && c.Sessions.Path == "" {
		return fmt.Errorf("sessions.path is required when sessions are enabled")
	}
	return nil
}

// RoleValue returns the parsed role.
func (c *Config) RoleValue() Role { return Role(c.Proxy.Role) }

// Groups returns every distinct agent group, in input order.
func (c *Config) Groups() []string {
	var groups []string
	seen := make(map[string]struct{})
	for _, a := range c.Agents {
		if _, ok := seen[a.Group]; ok {
			continue
		}
		seen[a.Group] = struct{}{}
		groups = append(groups, a.Group)
	}
	return groups
}
