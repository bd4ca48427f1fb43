// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound must be returned from a driver when a certain job
	// could not be found in the backing store.
	ErrNotFound = errors.New("jobqueue: job not found")

	// ErrScheduleNotFound is returned for operations on a missing schedule key.
	ErrScheduleNotFound = errors.New("jobqueue: schedule not found")

	// ErrInvalidCron is returned when a schedule's cron expression does not parse.
	ErrInvalidCron = errors.New("jobqueue: invalid cron expression")

	// ErrJobAlreadyActive is returned from Enqueue with ReplaceIfNotActive
	// when the existing keyed job is currently processing.
	ErrJobAlreadyActive = errors.New("jobqueue: job with this key is currently processing")
)

// RateLimitError signals that a handler was throttled by a downstream
// dependency. The job is rescheduled to RetryAfter in the future and the
// attempt is not counted as a failure.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jobqueue: rate limited for %v: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("jobqueue: rate limited for %v", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// RateLimited wraps err into a RateLimitError with the given delay.
func RateLimited(err error, retryAfter time.Duration) error {
	return &RateLimitError{RetryAfter: retryAfter, Err: err}
}

// AsRateLimit unwraps err into a RateLimitError, if it is one.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// PermanentError marks a handler failure that must not be retried,
// regardless of remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("jobqueue: permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that the job fails immediately without retries.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
