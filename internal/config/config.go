// Package config holds all configuration types and loading logic for lateq.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a lateq server process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Ingress   IngressConfig   `yaml:"ingress"`
	Egress    EgressConfig    `yaml:"egress"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Diag      DiagConfig      `yaml:"diag"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig holds identity and process-level settings.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
	// Instances is the number of independent scheduler instances sharing the
	// ingress socket. Each holds its own queue; state never overlaps.
	Instances int `yaml:"instances"`
}

// IngressConfig selects the socket producers send frames to. HTTP and
// WebSocket ingress ride on the HTTP server and need no entry here.
type IngressConfig struct {
	// Kind is "udp" or "none".
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	// ReadBuffer is the largest frame accepted, in bytes.
	ReadBuffer int `yaml:"read_buffer"`
	// MaxDelay caps the accepted delay. Empty means no cap.
	MaxDelay Duration `yaml:"max_delay"`
}

// EgressConfig selects where due payloads are delivered.
type EgressConfig struct {
	// Kind is "redis", "udp", "spool" or "webhook".
	Kind string `yaml:"kind"`
	// Address is host:port for redis and udp, a URL for webhook.
	Address string `yaml:"address"`
	// DB is the Redis logical database.
	DB int `yaml:"db"`
	// DefaultKey receives payloads that carry no "key\t" prefix. When empty,
	// such a payload names its own list and is stored as an empty value.
	DefaultKey string `yaml:"default_key"`
	// SendTimeout bounds a single delivery attempt.
	SendTimeout Duration `yaml:"send_timeout"`
	// SpoolMaxEntries caps the local spool; a full spool reports Blocked.
	SpoolMaxEntries int `yaml:"spool_max_entries"`
	// Secret signs webhook bodies with HMAC-SHA256 when set.
	Secret string `yaml:"secret"`
}

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

// DiagConfig tunes backpressure diagnostics.
type DiagConfig struct {
	// Window is the minimum gap between two backpressure snapshots.
	Window Duration `yaml:"window"`
}

// HTTPConfig controls the HTTP server (HTTP/WebSocket ingress, stats, metrics).
type HTTPConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Host           string  `yaml:"host"`
	Port           int     `yaml:"port"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// AuthConfig controls API key authentication on the HTTP server.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// Duration is a time.Duration that unmarshals from a Go duration string
// such as "20ms" or "1s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:        "auto",
			DataDir:   "./data",
			Instances: 1,
		},
		Ingress: IngressConfig{
			Kind:       "udp",
			Address:    "127.0.0.1:1111",
			ReadBuffer: 4096,
		},
		Egress: EgressConfig{
			Kind:            "redis",
			Address:         "127.0.0.1:6379",
			SendTimeout:     Duration(100 * time.Millisecond),
			SpoolMaxEntries: 100_000,
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration(20 * time.Millisecond),
		},
		Diag: DiagConfig{
			Window: Duration(time.Second),
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           8080,
			RateLimitRPS:   1000,
			RateLimitBurst: 2000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	LATEQ_INGRESS_ADDR    sets ingress.address
//	LATEQ_EGRESS_KIND     sets egress.kind
//	LATEQ_EGRESS_ADDR     sets egress.address
//	LATEQ_DATA_DIR        sets node.data_dir
//	LATEQ_INSTANCES       sets node.instances
//	LATEQ_HTTP_PORT       sets http.port
//	LATEQ_AUTH_API_KEY    sets auth.api_key and enables auth
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LATEQ_INGRESS_ADDR"); v != "" {
		cfg.Ingress.Address = v
	}
	if v := os.Getenv("LATEQ_EGRESS_KIND"); v != "" {
		cfg.Egress.Kind = v
	}
	if v := os.Getenv("LATEQ_EGRESS_ADDR"); v != "" {
		cfg.Egress.Address = v
	}
	if v := os.Getenv("LATEQ_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LATEQ_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Node.Instances = n
		}
	}
	if v := os.Getenv("LATEQ_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("LATEQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found. Kinds are not checked against the
// transports this build registers; opening an unregistered kind fails with
// registry.ErrNotFound.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Node.Instances < 1 {
		return errors.New("node.instances must be at least 1")
	}

	switch c.Ingress.Kind {
	case "udp":
		if c.Ingress.Address == "" {
			return errors.New("ingress.address must be set for udp ingress")
		}
		if c.Ingress.ReadBuffer < 4 || c.Ingress.ReadBuffer > 65535 {
			return errors.New("ingress.read_buffer must be between 4 and 65535")
		}
	case "none":
		if !c.HTTP.Enabled {
			return errors.New(`ingress.kind "none" requires http.enabled`)
		}
	case "":
		return errors.New("ingress.kind must be set")
	}
	if c.Ingress.MaxDelay < 0 {
		return errors.New("ingress.max_delay must be >= 0")
	}

	switch c.Egress.Kind {
	case "redis", "udp", "webhook":
		if c.Egress.Address == "" {
			return fmt.Errorf("egress.address must be set for %s egress", c.Egress.Kind)
		}
	case "spool":
		if c.Egress.SpoolMaxEntries < 1 {
			return errors.New("egress.spool_max_entries must be at least 1")
		}
	case "":
		return errors.New("egress.kind must be set")
	}
	if c.Egress.SendTimeout <= 0 {
		return errors.New("egress.send_timeout must be > 0")
	}

	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be > 0")
	}
	if c.Diag.Window <= 0 {
		return errors.New("diag.window must be > 0")
	}

	if c.HTTP.Enabled {
		if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
			return errors.New("http.port must be between 1 and 65535")
		}
		if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst < 1 {
			return errors.New("http.rate_limit_rps and http.rate_limit_burst must be positive")
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}
