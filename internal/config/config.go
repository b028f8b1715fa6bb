// Package config handles scenario configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (MESHGUARD_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	topology:
//	  shape: mesh
//	  routers: 3
//	  nodes_per_router: 3
//
//	monitor:
//	  bid_window: 1s
//	  mitigation_timeout: 10s
//	  max_retries: 2
//
//	attackers:
//	  - kind: ddos
//	    router: 0
//	    target: router2-node1
//	    messages_per_second: 50
//	    start_delay: 3s
//
//	telemetry:
//	  listen_addr: :8900
//	  stream_interval: 1s
//	  redis_events: true
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netfabric/meshguard/internal/attack"
	"github.com/netfabric/meshguard/internal/topology"
)

// Config is the complete scenario configuration.
type Config struct {
	Topology  TopologyConfig   `yaml:"topology"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Response  ResponseConfig   `yaml:"response"`
	Attackers []AttackerSpec   `yaml:"attackers,omitempty"`
	Traffic   []TrafficSpec    `yaml:"traffic,omitempty"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// TopologyConfig defines the router graph.
type TopologyConfig struct {
	Shape          string `yaml:"shape"` // ring, mesh, star, line
	Routers        int    `yaml:"routers"`
	NodesPerRouter int    `yaml:"nodes_per_router"`
}

// MonitorConfig tunes detection and auction timing.
type MonitorConfig struct {
	Count             int           `yaml:"count"`
	BidWindow         time.Duration `yaml:"bid_window"`
	MitigationTimeout time.Duration `yaml:"mitigation_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	RateWindow        time.Duration `yaml:"rate_window"`
	RateThreshold     int           `yaml:"rate_threshold"`
}

// ResponseConfig tunes the mitigation executors.
type ResponseConfig struct {
	Count         int `yaml:"count"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// AttackerSpec describes one scripted adversary.
type AttackerSpec struct {
	Kind   string `yaml:"kind"`   // malware, ddos, insider
	Router int    `yaml:"router"` // home router index
	Target string `yaml:"target"` // victim identity

	StartDelay        time.Duration `yaml:"start_delay,omitempty"`
	Strain            string        `yaml:"strain,omitempty"`
	MessagesPerSecond float64       `yaml:"messages_per_second,omitempty"`
	Burst             int           `yaml:"burst,omitempty"`
	Interval          time.Duration `yaml:"interval,omitempty"`
	Count             int           `yaml:"count,omitempty"`
}

// TrafficSpec schedules benign background traffic between two nodes.
type TrafficSpec struct {
	From     string        `yaml:"from"`
	To       string        `yaml:"to"`
	Body     string        `yaml:"body"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count,omitempty"`

	TaskCPU      float64       `yaml:"task_cpu,omitempty"`
	TaskBW       float64       `yaml:"task_bw,omitempty"`
	TaskDuration time.Duration `yaml:"task_duration,omitempty"`
}

// TelemetryConfig defines the observation surface. The sink DSNs are
// resolved through the secrets provider, never stored here.
type TelemetryConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	StreamInterval time.Duration `yaml:"stream_interval"`

	// RedisEvents enables the incident-event list; the URL comes from the
	// secret named by RedisSecret.
	RedisEvents bool   `yaml:"redis_events,omitempty"`
	RedisSecret string `yaml:"redis_secret,omitempty"`

	// PostgresAudit enables the incident audit table; the DSN comes from
	// the secret named by PostgresSecret.
	PostgresAudit  bool   `yaml:"postgres_audit,omitempty"`
	PostgresSecret string `yaml:"postgres_secret,omitempty"`
}

// LoggingConfig defines log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns a config with sensible defaults: a three-router
// mesh with three nodes each, one monitor, two responders.
func DefaultConfig() *Config {
	return &Config{
		Topology: TopologyConfig{
			Shape:          "mesh",
			Routers:        3,
			NodesPerRouter: 3,
		},
		Monitor: MonitorConfig{
			Count:             1,
			BidWindow:         time.Second,
			MitigationTimeout: 10 * time.Second,
			MaxRetries:        2,
			RetryBackoff:      2 * time.Second,
			GracePeriod:       30 * time.Second,
			RateWindow:        5 * time.Second,
			RateThreshold:     20,
		},
		Response: ResponseConfig{
			Count:         2,
			MaxConcurrent: 3,
		},
		Telemetry: TelemetryConfig{
			ListenAddr:     ":8900",
			StreamInterval: time.Second,
			RedisSecret:    "meshguard-redis-url",
			PostgresSecret: "meshguard-postgres-dsn",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that the scenario is well-formed.
func (c *Config) Validate() error {
	if _, err := topology.ParseShape(c.Topology.Shape); err != nil {
		return err
	}
	if c.Topology.Routers < 1 {
		return fmt.Errorf("topology.routers must be at least 1")
	}
	if c.Topology.NodesPerRouter < 0 {
		return fmt.Errorf("topology.nodes_per_router must not be negative")
	}
	if c.Monitor.Count < 1 {
		return fmt.Errorf("monitor.count must be at least 1")
	}
	if c.Response.Count < 1 {
		return fmt.Errorf("response.count must be at least 1")
	}
	if c.Monitor.BidWindow <= 0 {
		return fmt.Errorf("monitor.bid_window must be positive")
	}
	if c.Monitor.MitigationTimeout <= 0 {
		return fmt.Errorf("monitor.mitigation_timeout must be positive")
	}
	for i, a := range c.Attackers {
		if _, err := attack.ParseKind(a.Kind); err != nil {
			return fmt.Errorf("attackers[%d]: %w", i, err)
		}
		if a.Router < 0 || a.Router >= c.Topology.Routers {
			return fmt.Errorf("attackers[%d]: router index %d out of range", i, a.Router)
		}
		if a.Target == "" {
			return fmt.Errorf("attackers[%d]: target is required", i)
		}
	}
	for i, t := range c.Traffic {
		if t.From == "" || t.To == "" {
			return fmt.Errorf("traffic[%d]: from and to are required", i)
		}
		if t.Interval <= 0 {
			return fmt.Errorf("traffic[%d]: interval must be positive", i)
		}
	}
	if c.Telemetry.RedisEvents && c.Telemetry.RedisSecret == "" {
		return fmt.Errorf("telemetry.redis_secret is required when redis_events is enabled")
	}
	if c.Telemetry.PostgresAudit && c.Telemetry.PostgresSecret == "" {
		return fmt.Errorf("telemetry.postgres_secret is required when postgres_audit is enabled")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging.level: %s", c.Logging.Level)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the MESHGUARD_ prefix:
// - MESHGUARD_TOPOLOGY_SHAPE
// - MESHGUARD_TOPOLOGY_ROUTERS
// - MESHGUARD_TOPOLOGY_NODES_PER_ROUTER
// - MESHGUARD_TELEMETRY_LISTEN_ADDR
// - MESHGUARD_LOG_LEVEL
// - MESHGUARD_LOG_FORMAT
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MESHGUARD_TOPOLOGY_SHAPE"); v != "" {
		c.Topology.Shape = v
	}
	if v := os.Getenv("MESHGUARD_TOPOLOGY_ROUTERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Topology.Routers = n
		}
	}
	if v := os.Getenv("MESHGUARD_TOPOLOGY_NODES_PER_ROUTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Topology.NodesPerRouter = n
		}
	}
	if v := os.Getenv("MESHGUARD_TELEMETRY_LISTEN_ADDR"); v != "" {
		c.Telemetry.ListenAddr = v
	}
	if v := os.Getenv("MESHGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MESHGUARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}
