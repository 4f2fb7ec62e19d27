// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LocalBackend is the dependency-free in-process cache. No persistence
// across restarts; entries expire lazily.
type LocalBackend struct {
	mu      sync.RWMutex
	entries map[string]localEntry
}

type localEntry struct {
	value     string
	expiresAt time.Time
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLocalBackend creates an empty local cache backend
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{entries: make(map[string]localEntry)}
}

// Get returns the cached value for key, if present and unexpired
func (b *LocalBackend) Get(_ context.Context, key string) (string, bool) {
	b.mu.RLock()
	entry, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok {
		return "", false
	}
	if entry.expired(time.Now()) {
		b.mu.Lock()
		delete(b.entries, key)
		b.mu.Unlock()
		return "", false
	}
	return entry.value, true
}

// Set stores a value under key with the given TTL. A zero TTL means no
// expiry.
func (b *LocalBackend) Set(_ context.Context, key, value string, ttl time.Duration) {
	entry := localEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
}

// Invalidate removes every key with the given prefix
func (b *LocalBackend) Invalidate(_ context.Context, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
		}
	}
}

// Stats reports the backend name and unexpired key count
func (b *LocalBackend) Stats(_ context.Context) Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	var count int64
	for _, entry := range b.entries {
		if !entry.expired(now) {
			count++
		}
	}
	return Stats{BackendName: "local", KeyCount: count}
}

// Close is a no-op for the local backend
func (b *LocalBackend) Close() error {
	return nil
}
