// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cache provides the read-through cache tier for search and
// stats queries. Backends conform to an explicit capability interface;
// the local backend has no external dependencies and is always
// available as the guaranteed fallback.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/engramd/engram/internal/logger"
)

// Stats describes the state of a cache backend
type Stats struct {
	BackendName string `json:"backend_name"`
	KeyCount    int64  `json:"key_count"`
}

// Backend is the capability interface all cache backends implement.
// A backend failure is never surfaced as an application error: Get
// degrades to a miss, Set and Invalidate to no-ops.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Invalidate(ctx context.Context, prefix string)
	Stats(ctx context.Context) Stats
	Close() error
}

// Config holds cache tier configuration
type Config struct {
	Backend   string // "redis" or "local"
	RedisAddr string
	TTL       time.Duration
}

// New selects a backend once at startup: the distributed backend if
// configured and reachable, otherwise the local fallback
func New(cfg Config, log *logger.Logger) Backend {
	if cfg.Backend == "redis" {
		backend, err := newRedisBackend(cfg.RedisAddr, log)
		if err == nil {
			log.Info("cache backend selected", "backend", "redis", "addr", cfg.RedisAddr)
			return backend
		}
		log.Warn("redis cache unreachable, falling back to local backend", "addr", cfg.RedisAddr, "error", err)
	}
	log.Info("cache backend selected", "backend", "local")
	return NewLocalBackend()
}

const keyNamespace = "engram"

// TenantPrefix returns the key prefix covering every cached value for a
// tenant; writes invalidate this whole prefix
func TenantPrefix(tenantID string) string {
	return keyNamespace + ":" + tenantID + ":"
}

// SearchKey derives the cache key for a search query
func SearchKey(tenantID, query string, limit int) string {
	return fmt.Sprintf("%s:%s:search:%s:%d", keyNamespace, tenantID, strings.ToLower(query), limit)
}

// StatsKey derives the cache key for tenant aggregate stats
func StatsKey(tenantID string) string {
	return keyNamespace + ":" + tenantID + ":stats"
}
