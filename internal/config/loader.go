package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables.
// The file is optional; defaults plus environment overrides are enough to
// start a single-realm broker.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read config file %s: %v, using defaults and environment\n", configPath, err)
	} else {
		// A realm list in the file replaces the default realm set entirely.
		if v.IsSet("realms") {
			cfg.Realms = nil
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config.
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("BROKER_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if endpoint := os.Getenv("FEDERATION_ENDPOINT"); endpoint != "" {
		cfg.Federation.Endpoint = endpoint
	}
	if bind := os.Getenv("FEDERATION_BIND_PORT"); bind != "" {
		if p, err := strconv.Atoi(bind); err == nil {
			cfg.Federation.BindPort = p
		}
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
