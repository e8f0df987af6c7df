// Package config holds runtime configuration and upstream wire constants.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the runtime configuration for the gateway.
type Config struct {
	Port         int    `json:"port"`
	Host         string `json:"host"`
	DatabasePath string `json:"databasePath"`
	Debug        bool   `json:"debug"`

	// Retry and backoff
	CapacityRetries      int   `json:"capacityRetries"`
	CapacityRetryDelayMs int64 `json:"capacityRetryDelayMs"`

	// Upstream transport
	FetchConnectTimeoutMs int64  `json:"fetchConnectTimeoutMs"`
	OutboundProxyURL      string `json:"outboundProxyUrl"`

	// Token lifecycle
	TokenRefreshSkewMs int64 `json:"tokenRefreshSkewMs"`

	// Per-model policy
	ModelConcurrency        map[string]int      `json:"modelConcurrency"`
	DefaultModelConcurrency int                 `json:"defaultModelConcurrency"`
	ModelAliases            map[string]string   `json:"modelAliases"`
	PreferredTiers          map[string][]string `json:"preferredTiers"`

	// Account health
	ErrorThreshold int   `json:"errorThreshold"`
	AccountWaitMs  int64 `json:"accountWaitMs"`

	// AdminKey protects the admin surface. Empty disables admin routes.
	AdminKey string `json:"adminKey"`

	// Optional Redis-backed usage stats. Empty address disables them.
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                    DefaultPort,
		Host:                    "0.0.0.0",
		DatabasePath:            "gateway.db",
		CapacityRetries:         2,
		CapacityRetryDelayMs:    1000,
		FetchConnectTimeoutMs:   30000,
		TokenRefreshSkewMs:      60000,
		ModelConcurrency:        map[string]int{},
		DefaultModelConcurrency: 3,
		ModelAliases:            map[string]string{},
		PreferredTiers:          map[string][]string{},
		ErrorThreshold:          5,
		AccountWaitMs:           30000,
	}
}

// Load reads configuration from an optional JSON file, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GATEWAY_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("GATEWAY_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	if v := os.Getenv("GATEWAY_PROXY_URL"); v != "" {
		c.OutboundProxyURL = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
}

// MaxConcurrent returns the slot capacity for a model.
func (c *Config) MaxConcurrent(model string) int {
	if n, ok := c.ModelConcurrency[model]; ok && n > 0 {
		return n
	}
	if c.DefaultModelConcurrency > 0 {
		return c.DefaultModelConcurrency
	}
	return 3
}

// ResolveModel maps a caller-facing model name to the upstream model name.
func (c *Config) ResolveModel(model string) string {
	if mapped, ok := c.ModelAliases[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// PreferredTiersFor returns the ordered tier preference for a model, or nil.
func (c *Config) PreferredTiersFor(model string) []string {
	return c.PreferredTiers[model]
}
