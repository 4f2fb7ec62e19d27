// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package locking

import (
	"fmt"
	"sync"
	"time"
)

// DefaultAcquireTimeout bounds how long a single acquisition attempt waits
const DefaultAcquireTimeout = 2 * time.Second

// MaxRetries is the default number of acquisition retries
const MaxRetries = 3

// RetryDelay is the initial delay between retries
const RetryDelay = 100 * time.Millisecond

// TenantLocker serializes writes per tenant. All graph mutations for a
// tenant must run inside WithLock so concurrent reinforcements of the
// same pair cannot lose updates.
type TenantLocker struct {
	mu             sync.Mutex
	locks          map[string]chan struct{}
	acquireTimeout time.Duration
	retries        int
}

// NewTenantLocker creates a new tenant locker
func NewTenantLocker() *TenantLocker {
	return &TenantLocker{
		locks:          make(map[string]chan struct{}),
		acquireTimeout: DefaultAcquireTimeout,
		retries:        MaxRetries,
	}
}

// WithTimeout sets a custom per-attempt acquisition timeout
func (l *TenantLocker) WithTimeout(d time.Duration) *TenantLocker {
	l.acquireTimeout = d
	return l
}

// WithRetries sets a custom number of acquisition retries
func (l *TenantLocker) WithRetries(retries int) *TenantLocker {
	l.retries = retries
	return l
}

// sem returns the tenant's semaphore channel, creating it on first use.
// A buffered channel of size one holds the lock token.
func (l *TenantLocker) sem(tenantID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.locks[tenantID]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		l.locks[tenantID] = ch
	}
	return ch
}

// Acquire takes the tenant's write lock, waiting up to the acquisition
// timeout. Returns a release function on success.
func (l *TenantLocker) Acquire(tenantID string) (func(), error) {
	ch := l.sem(tenantID)

	timer := time.NewTimer(l.acquireTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			ch <- struct{}{}
		}, nil
	case <-timer.C:
		return nil, &ConcurrencyError{
			TenantID: tenantID,
			Waited:   l.acquireTimeout,
		}
	}
}

// WithLock executes fn while holding the tenant's write lock, retrying
// acquisition with exponential backoff before surfacing ConcurrencyError
func (l *TenantLocker) WithLock(tenantID string, fn func() error) error {
	var release func()

	err := RetryWithBackoff(l.retries, RetryDelay, func() error {
		var err error
		release, err = l.Acquire(tenantID)
		return err
	})
	if err != nil {
		return err
	}

	defer release()
	return fn()
}

// RetryWithBackoff retries a function with exponential backoff.
// Only ConcurrencyError is retried; any other error is returned as-is.
func RetryWithBackoff(maxRetries int, initialDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		if err := fn(); err != nil {
			lastErr = err
			if _, ok := err.(*ConcurrencyError); !ok {
				return err
			}
			time.Sleep(delay)
			delay *= 2
		} else {
			return nil
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
