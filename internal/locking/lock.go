// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package locking

import (
	"fmt"
	"time"
)

// ConcurrencyError indicates a tenant write lock could not be acquired
// within the bounded wait
type ConcurrencyError struct {
	TenantID string
	Waited   time.Duration
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("tenant %q write lock not acquired within %s", e.TenantID, e.Waited)
}

// IsConcurrencyError reports whether err is (or wraps) a ConcurrencyError
func IsConcurrencyError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*ConcurrencyError); ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return IsConcurrencyError(u.Unwrap())
	}
	return false
}
