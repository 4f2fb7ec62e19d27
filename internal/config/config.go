// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = ".engram/configs"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.json"
)

// Load reads configuration from ~/.engram/configs/config.json
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(configPath)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return loadFromDefaults(v)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromPath loads configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.type", "sqlite")
	homeDir, _ := os.UserHomeDir()
	v.SetDefault("database.data_root", filepath.Join(homeDir, ".engram/data"))

	// Cache defaults
	v.SetDefault("cache.backend", "local")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl_seconds", 300)

	// Attention defaults
	v.SetDefault("attention.learning_rate", 0.2)
	v.SetDefault("attention.decay_rate", 0.000001)
	v.SetDefault("attention.prune_epsilon", 0.01)
	v.SetDefault("attention.reaper_interval_hours", 24)

	// Hub defaults
	v.SetDefault("hub.heartbeat_interval_seconds", 30)
	v.SetDefault("hub.timeout_multiple", 3)

	// Logging defaults
	v.SetDefault("logging.mode", "production")
}

// loadFromDefaults creates a config from default values
func loadFromDefaults(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	// Validate database type
	if cfg.Database.Type != "sqlite" && cfg.Database.Type != "postgres" {
		return fmt.Errorf("database.type must be 'sqlite' or 'postgres', got '%s'", cfg.Database.Type)
	}

	if cfg.Database.Type == "sqlite" && cfg.Database.DataRoot == "" {
		return fmt.Errorf("database.data_root is required when type is 'sqlite'")
	}
	if cfg.Database.Type == "postgres" && cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required when type is 'postgres'")
	}

	// Validate cache backend
	if cfg.Cache.Backend != "redis" && cfg.Cache.Backend != "local" {
		return fmt.Errorf("cache.backend must be 'redis' or 'local', got '%s'", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when backend is 'redis'")
	}
	if cfg.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache.ttl_seconds must be at least 1, got %d", cfg.Cache.TTLSeconds)
	}

	// Validate attention parameters
	if cfg.Attention.LearningRate <= 0 || cfg.Attention.LearningRate >= 1 {
		return fmt.Errorf("attention.learning_rate must be in (0,1), got %f", cfg.Attention.LearningRate)
	}
	if cfg.Attention.DecayRate < 0 {
		return fmt.Errorf("attention.decay_rate must be non-negative, got %f", cfg.Attention.DecayRate)
	}
	if cfg.Attention.PruneEpsilon < 0 || cfg.Attention.PruneEpsilon >= 1 {
		return fmt.Errorf("attention.prune_epsilon must be in [0,1), got %f", cfg.Attention.PruneEpsilon)
	}
	if cfg.Attention.ReaperIntervalHours < 1 {
		return fmt.Errorf("attention.reaper_interval_hours must be at least 1, got %d", cfg.Attention.ReaperIntervalHours)
	}

	// Validate hub timings
	if cfg.Hub.HeartbeatIntervalSeconds < 1 {
		return fmt.Errorf("hub.heartbeat_interval_seconds must be at least 1, got %d", cfg.Hub.HeartbeatIntervalSeconds)
	}
	if cfg.Hub.TimeoutMultiple < 2 {
		return fmt.Errorf("hub.timeout_multiple must be at least 2, got %d", cfg.Hub.TimeoutMultiple)
	}

	// Validate server port
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:     "sqlite",
			DataRoot: filepath.Join(homeDir, ".engram/data"),
		},
		Cache: CacheConfig{
			Backend:    "local",
			RedisAddr:  "localhost:6379",
			TTLSeconds: 300,
		},
		Attention: AttentionConfig{
			LearningRate:        0.2,
			DecayRate:           0.000001,
			PruneEpsilon:        0.01,
			ReaperIntervalHours: 24,
		},
		Hub: HubConfig{
			HeartbeatIntervalSeconds: 30,
			TimeoutMultiple:          3,
		},
		Logging: LoggingConfig{
			Mode: "production",
		},
	}
}
