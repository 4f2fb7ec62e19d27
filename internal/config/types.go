// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Attention AttentionConfig `mapstructure:"attention"`
	Hub       HubConfig       `mapstructure:"hub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the websocket server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds tenant storage settings
type DatabaseConfig struct {
	Type        string `mapstructure:"type"` // "sqlite" or "postgres"
	DataRoot    string `mapstructure:"data_root"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// CacheConfig holds cache tier settings
type CacheConfig struct {
	Backend    string `mapstructure:"backend"` // "redis" or "local"
	RedisAddr  string `mapstructure:"redis_addr"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// AttentionConfig holds the reinforcement/decay tuning knobs
type AttentionConfig struct {
	LearningRate        float64 `mapstructure:"learning_rate"`
	DecayRate           float64 `mapstructure:"decay_rate"` // per second
	PruneEpsilon        float64 `mapstructure:"prune_epsilon"`
	ReaperIntervalHours int     `mapstructure:"reaper_interval_hours"`
}

// HubConfig holds connection lifecycle settings
type HubConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	TimeoutMultiple          int `mapstructure:"timeout_multiple"`
}

// LoggingConfig selects the logger mode
type LoggingConfig struct {
	Mode string `mapstructure:"mode"` // "production" or "development"
}
