// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import "time"

// DefaultBackoffDelay is the base delay used when a job does not specify one.
const DefaultBackoffDelay = 1 * time.Second

// maxBackoffShift caps exponential growth to avoid overflowing a Duration.
const maxBackoffShift = 20

// RetryDelay returns the time to wait before the next claim of a job that
// has failed on the given attempt (1-based). Exponential doubles the base
// per failure (base, 2*base, 4*base, ...), linear grows by the base per
// failure, fixed always returns the base.
func RetryDelay(spec BackoffSpec, attempts int) time.Duration {
	base := spec.Delay
	if base <= 0 {
		base = DefaultBackoffDelay
	}
	if attempts < 1 {
		attempts = 1
	}
	switch spec.Type {
	case BackoffLinear:
		return base * time.Duration(attempts)
	case BackoffFixed:
		return base
	default: // exponential
		shift := attempts - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return base * time.Duration(1<<uint(shift))
	}
}
