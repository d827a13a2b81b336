package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "$CHAT", cfg.DefaultRealm())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }, "node_id"},
		{"no realms", func(c *Config) { c.Realms = nil }, "at least one realm"},
		{"unnamed realm", func(c *Config) { c.Realms[0].Name = "" }, "name is required"},
		{"duplicate realm", func(c *Config) {
			c.Realms = append(c.Realms, c.Realms[0])
			c.Realms[1].Default = false
		}, "duplicate realm"},
		{"missing query type", func(c *Config) { c.Realms[0].PrimaryQueryType = "" }, "primary_query_type"},
		{"zero queue capacity", func(c *Config) { c.Realms[0].QueueCapacity = 0 }, "queue_capacity"},
		{"min above max workers", func(c *Config) {
			c.Realms[0].MinWorkers = 8
			c.Realms[0].MaxWorkers = 4
		}, "min_workers exceeds max_workers"},
		{"workers above max", func(c *Config) {
			c.Realms[0].MaxWorkers = 1
			c.Realms[0].Workers = []WorkerConfig{
				{Address: "a:9000", Capabilities: []string{"chat"}},
				{Address: "b:9000", Capabilities: []string{"chat"}},
			}
		}, "declared workers exceed max_workers"},
		{"unknown strategy", func(c *Config) { c.Realms[0].Strategy = "random" }, "strategy"},
		{"two default realms", func(c *Config) {
			second := c.Realms[0]
			second.Name = "$VISION"
			c.Realms = append(c.Realms, second)
		}, "at most one realm"},
		{"health weights off", func(c *Config) { c.Health.Alpha = 0.9 }, "sum to 1"},
		{"threshold out of range", func(c *Config) { c.Health.BlacklistThreshold = 1.0 }, "blacklist_threshold"},
		{"kappa not positive", func(c *Config) { c.Health.RecoveryKappa = 0 }, "recovery_kappa"},
		{"federation without endpoint", func(c *Config) { c.Federation.Enabled = true }, "federation.endpoint"},
		{"missing default shard", func(c *Config) { c.Shards.DefaultShard = "" }, "default_shard"},
		{"prefix to undeclared shard", func(c *Config) {
			c.Shards.Stores = map[string]ShardStore{"shard-0": {Backend: "memory"}}
			c.Shards.Prefixes = map[string]string{"usr": "shard-9"}
		}, "undeclared shard"},
		{"unknown backend", func(c *Config) {
			c.Shards.Stores = map[string]ShardStore{"shard-0": {Backend: "dynamo"}}
		}, "backend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateFillsLoggingDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging = LoggingConfig{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9080
  node_id: broker-test
realms:
  - name: $CHAT
    primary_query_type: chat
    queue_capacity: 32
    consumers: 2
    dispatch_timeout: 10s
    strategy: round_robin
    default: true
  - name: $VISION
    primary_query_type: vision
    queue_capacity: 16
    consumers: 1
    dispatch_timeout: 20s
    strategy: least_busy
shards:
  default_shard: shard-0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9080, cfg.Server.Port)
	assert.Equal(t, "broker-test", cfg.Server.NodeID)

	// The file's realm list replaces the default realm set.
	require.Len(t, cfg.Realms, 2)
	assert.Equal(t, "$VISION", cfg.Realms[1].Name)
	assert.Equal(t, 10*time.Second, cfg.Realms[0].DispatchTimeout)
	assert.Equal(t, "$CHAT", cfg.DefaultRealm())

	// Untouched sections keep their defaults.
	assert.InDelta(t, 0.65, cfg.Health.Alpha, 1e-9)
	assert.Equal(t, 10000, cfg.Server.MaxPending)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
	require.Len(t, cfg.Realms, 1)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BROKER_NODE_ID", "broker-env")
	t.Setenv("SERVER_PORT", "18080")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "broker-env", cfg.Server.NodeID)
	assert.Equal(t, 18080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestStalenessWindow(t *testing.T) {
	f := FederationConfig{AdvertiseInterval: 15 * time.Second}
	assert.Equal(t, 30*time.Second, f.StalenessWindow())
}
