// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, validate(cfg))

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "local", cfg.Cache.Backend)
	assert.Equal(t, 0.2, cfg.Attention.LearningRate)
	assert.Equal(t, 30, cfg.Hub.HeartbeatIntervalSeconds)
	assert.Equal(t, 3, cfg.Hub.TimeoutMultiple)
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090},
		"database": {"type": "sqlite", "data_root": "/tmp/engram-test"},
		"attention": {"learning_rate": 0.3}
	}`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	// Explicit values win
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/engram-test", cfg.Database.DataRoot)
	assert.Equal(t, 0.3, cfg.Attention.LearningRate)

	// Unset sections fall back to defaults
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "local", cfg.Cache.Backend)
	assert.Equal(t, 300, cfg.Cache.TTLSeconds)
	assert.Equal(t, 0.01, cfg.Attention.PruneEpsilon)
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadFromPathInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := LoadFromPath(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown database type", func(c *Config) { c.Database.Type = "oracle" }},
		{"sqlite without data root", func(c *Config) { c.Database.DataRoot = "" }},
		{"postgres without dsn", func(c *Config) { c.Database.Type = "postgres"; c.Database.PostgresDSN = "" }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"zero ttl", func(c *Config) { c.Cache.TTLSeconds = 0 }},
		{"learning rate zero", func(c *Config) { c.Attention.LearningRate = 0 }},
		{"learning rate one", func(c *Config) { c.Attention.LearningRate = 1 }},
		{"negative decay", func(c *Config) { c.Attention.DecayRate = -0.1 }},
		{"epsilon out of range", func(c *Config) { c.Attention.PruneEpsilon = 1 }},
		{"heartbeat zero", func(c *Config) { c.Hub.HeartbeatIntervalSeconds = 0 }},
		{"timeout multiple too small", func(c *Config) { c.Hub.TimeoutMultiple = 1 }},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestLoadFromPathRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"type": "sqlite", "data_root": "/tmp/engram-test"},
		"attention": {"learning_rate": 2.0}
	}`)

	_, err := LoadFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "learning_rate")
}
