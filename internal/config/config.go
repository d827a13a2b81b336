package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the broker configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Realms     []RealmConfig    `mapstructure:"realms"`
	Health     HealthConfig     `mapstructure:"health"`
	Federation FederationConfig `mapstructure:"federation"`
	Shards     ShardsConfig     `mapstructure:"shards"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the HTTP ingress/admin server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	GRPCHealthPort  int           `mapstructure:"grpc_health_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	MaxPending      int           `mapstructure:"max_pending"`
}

// RealmConfig declares one realm and its worker pool at startup.
type RealmConfig struct {
	Name             string         `mapstructure:"name"`
	PrimaryQueryType string         `mapstructure:"primary_query_type"`
	MinWorkers       int            `mapstructure:"min_workers"`
	MaxWorkers       int            `mapstructure:"max_workers"`
	QueueCapacity    int            `mapstructure:"queue_capacity"`
	Consumers        int            `mapstructure:"consumers"`
	DispatchTimeout  time.Duration  `mapstructure:"dispatch_timeout"`
	MaxRetries       int            `mapstructure:"max_retries"`
	Strategy         string         `mapstructure:"strategy"`
	Default          bool           `mapstructure:"default"`
	Workers          []WorkerConfig `mapstructure:"workers"`
}

// WorkerConfig declares a worker endpoint registered at startup.
type WorkerConfig struct {
	Address      string   `mapstructure:"address"`
	Capabilities []string `mapstructure:"capabilities"`
}

// HealthConfig tunes worker health scoring. The exact constants are
// deployment policy; the scoring invariants (monotonic decay on failure,
// probabilistic monotonic recovery) hold for any valid combination.
type HealthConfig struct {
	// EMA weights; must sum to 1.
	Alpha float64 `mapstructure:"alpha"`
	Beta  float64 `mapstructure:"beta"`
	Gamma float64 `mapstructure:"gamma"`
	// BlacklistThreshold is the health score below which a worker is
	// excluded from selection.
	BlacklistThreshold float64 `mapstructure:"blacklist_threshold"`
	// RecoveryKappa is the rate constant of the recovery probability
	// 1 - e^(-kappa*t) applied to blacklisted workers.
	RecoveryKappa float64 `mapstructure:"recovery_kappa"`
	// TargetLatency normalizes the performance term: a dispatch at or
	// below this latency scores a full 1.0.
	TargetLatency time.Duration `mapstructure:"target_latency"`
	// SweepInterval and Unresponsive control removal of workers that have
	// produced no outcome for a prolonged period.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Unresponsive  time.Duration `mapstructure:"unresponsive"`
}

// FederationConfig represents peer gossip and forwarding configuration.
type FederationConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BindPort          int           `mapstructure:"bind_port"`
	Endpoint          string        `mapstructure:"endpoint"`
	Bootstrap         []string      `mapstructure:"bootstrap"`
	AdvertiseInterval time.Duration `mapstructure:"advertise_interval"`
	ForwardTimeout    time.Duration `mapstructure:"forward_timeout"`
}

// StalenessWindow returns the window after which an unrefreshed peer is
// excluded from routing decisions.
func (f FederationConfig) StalenessWindow() time.Duration {
	return 2 * f.AdvertiseInterval
}

// ShardsConfig maps user key prefixes to persistence shards.
type ShardsConfig struct {
	DefaultShard string                `mapstructure:"default_shard"`
	Prefixes     map[string]string     `mapstructure:"prefixes"`
	MapFile      string                `mapstructure:"map_file"`
	Stores       map[string]ShardStore `mapstructure:"stores"`
	HistoryTTL   time.Duration         `mapstructure:"history_ttl"`
}

// ShardStore configures the backend of one shard.
type ShardStore struct {
	Backend  string         `mapstructure:"backend"` // "redis" or "postgres"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig represents a Redis shard backend.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// PostgresConfig represents a PostgreSQL shard backend.
type PostgresConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	MaxConnections int           `mapstructure:"max_connections"`
	ConnLifetime   time.Duration `mapstructure:"conn_lifetime"`
}

// RateLimitConfig represents ingress token-bucket rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig represents Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if len(c.Realms) == 0 {
		return errors.New("at least one realm is required")
	}
	names := make(map[string]bool, len(c.Realms))
	defaults := 0
	for i := range c.Realms {
		r := &c.Realms[i]
		if r.Name == "" {
			return fmt.Errorf("realms[%d].name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate realm name %q", r.Name)
		}
		names[r.Name] = true
		if r.PrimaryQueryType == "" {
			return fmt.Errorf("realm %q: primary_query_type is required", r.Name)
		}
		if r.QueueCapacity <= 0 {
			return fmt.Errorf("realm %q: queue_capacity must be positive", r.Name)
		}
		if r.MaxWorkers > 0 && r.MinWorkers > r.MaxWorkers {
			return fmt.Errorf("realm %q: min_workers exceeds max_workers", r.Name)
		}
		if r.MaxWorkers > 0 && len(r.Workers) > r.MaxWorkers {
			return fmt.Errorf("realm %q: declared workers exceed max_workers", r.Name)
		}
		if !validStrategy(r.Strategy) {
			return fmt.Errorf("realm %q: strategy must be one of: round_robin, least_busy, health_weighted", r.Name)
		}
		if r.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return errors.New("at most one realm may be marked default")
	}
	sum := c.Health.Alpha + c.Health.Beta + c.Health.Gamma
	if sum < 0.999 || sum > 1.001 {
		return errors.New("health.alpha + health.beta + health.gamma must sum to 1")
	}
	if c.Health.BlacklistThreshold <= 0 || c.Health.BlacklistThreshold >= 1 {
		return errors.New("health.blacklist_threshold must be in (0, 1)")
	}
	if c.Health.RecoveryKappa <= 0 {
		return errors.New("health.recovery_kappa must be positive")
	}
	if c.Federation.Enabled {
		if c.Federation.Endpoint == "" {
			return errors.New("federation.endpoint is required when federation is enabled")
		}
		if c.Federation.AdvertiseInterval <= 0 {
			return errors.New("federation.advertise_interval must be positive")
		}
	}
	if c.Shards.DefaultShard == "" {
		return errors.New("shards.default_shard is required")
	}
	for prefix, shard := range c.Shards.Prefixes {
		if _, ok := c.Shards.Stores[shard]; len(c.Shards.Stores) > 0 && !ok {
			return fmt.Errorf("shard prefix %q maps to undeclared shard %q", prefix, shard)
		}
	}
	for name, s := range c.Shards.Stores {
		if s.Backend != "redis" && s.Backend != "postgres" && s.Backend != "memory" {
			return fmt.Errorf("shard %q: backend must be one of: redis, postgres, memory", name)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func validStrategy(s string) bool {
	switch s {
	case "round_robin", "least_busy", "health_weighted":
		return true
	default:
		return false
	}
}

// DefaultRealm returns the name of the realm marked as the fallback for
// unknown query types, or the empty string when none is configured.
func (c *Config) DefaultRealm() string {
	for i := range c.Realms {
		if c.Realms[i].Default {
			return c.Realms[i].Name
		}
	}
	return ""
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "broker-1",
			GRPCHealthPort:  9091,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			ResultTTL:       5 * time.Minute,
			MaxPending:      10000,
		},
		Realms: []RealmConfig{
			{
				Name:             "$CHAT",
				PrimaryQueryType: "chat",
				MinWorkers:       1,
				MaxWorkers:       16,
				QueueCapacity:    256,
				Consumers:        4,
				DispatchTimeout:  30 * time.Second,
				MaxRetries:       2,
				Strategy:         "health_weighted",
				Default:          true,
			},
		},
		Health: HealthConfig{
			Alpha:              0.65,
			Beta:               0.20,
			Gamma:              0.15,
			BlacklistThreshold: 0.30,
			RecoveryKappa:      1.0 / 60.0,
			TargetLatency:      500 * time.Millisecond,
			SweepInterval:      time.Minute,
			Unresponsive:       10 * time.Minute,
		},
		Federation: FederationConfig{
			Enabled:           false,
			BindPort:          7946,
			AdvertiseInterval: 15 * time.Second,
			ForwardTimeout:    45 * time.Second,
		},
		Shards: ShardsConfig{
			DefaultShard: "shard-0",
			HistoryTTL:   7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 200,
			BurstSize:         400,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
