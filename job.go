// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"encoding/json"
	"time"
)

const (
	// Pending is the state of jobs waiting to be claimed.
	Pending string = "pending"
	// Processing is the state of jobs currently held by a worker.
	Processing string = "processing"
	// RetryPending is the state of failed jobs waiting for their backoff to elapse.
	RetryPending string = "retry_pending"
	// Completed is the terminal state of successful jobs.
	Completed string = "completed"
	// Failed is the terminal state of jobs that failed even after retries.
	Failed string = "failed"
)

// Backoff strategy names, configured per job at enqueue time.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffFixed       = "fixed"
)

// BackoffSpec configures the delay between retries of a failed job.
type BackoffSpec struct {
	Type  string        `json:"type"`  // exponential, linear, or fixed
	Delay time.Duration `json:"delay"` // base delay
}

// Job is a unit of work.
//
// All timestamps are Unix epoch milliseconds; zero means unset.
type Job struct {
	ID              string                 `json:"id"`                     // internal identifier, generated at enqueue time
	Queue           string                 `json:"queue"`                  // logical channel name
	Key             string                 `json:"key,omitempty"`          // caller-supplied idempotency key, unique within a queue
	Data            json.RawMessage        `json:"data,omitempty"`         // opaque caller payload
	Status          string                 `json:"status"`                 // current state
	Priority        int                    `json:"priority"`               // jobs with higher priority get claimed first
	ScheduledFor    int64                  `json:"scheduledFor,omitempty"` // earliest eligibility for pending jobs
	Attempts        int                    `json:"attempts"`               // number of claims so far
	MaxAttempts     int                    `json:"maxAttempts"`            // maximum number of claims
	NextRetryAt     int64                  `json:"nextRetryAt,omitempty"`  // earliest eligibility for retry_pending jobs
	Backoff         BackoffSpec            `json:"backoff"`                // retry delay strategy
	LockedBy        string                 `json:"lockedBy,omitempty"`     // worker holding the lock
	LockedAt        int64                  `json:"lockedAt,omitempty"`     // time the lock was taken
	ExpiresAt       int64                  `json:"expiresAt,omitempty"`    // lock expiry; stalled jobs become reclaimable
	LockToken       string                 `json:"-"`                      // fencing token, regenerated on every claim
	ErrorMessage    string                 `json:"errorMessage,omitempty"`
	ErrorDetails    string                 `json:"errorDetails,omitempty"`
	Stages          []Stage                `json:"stages,omitempty"`       // ordered multi-stage progress, nil if unused
	CurrentStage    string                 `json:"currentStage,omitempty"` // name of the in-flight stage
	OverallProgress int                    `json:"overallProgress"`        // 0-100, derived from stages
	Metadata        map[string]interface{} `json:"metadata,omitempty"`     // opaque, passed through to event callbacks
	Created         int64                  `json:"created"`
	Updated         int64                  `json:"updated"`
	Completed       int64                  `json:"completed,omitempty"`
}

// Terminal reports whether the job is in a terminal state.
func (j *Job) Terminal() bool {
	return j.Status == Completed || j.Status == Failed
}

// Clone returns a deep copy of the job. Workers hand out clones so that
// handlers cannot mutate the worker's bookkeeping snapshot.
func (j *Job) Clone() *Job {
	c := *j
	if j.Stages != nil {
		c.Stages = append([]Stage(nil), j.Stages...)
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Data != nil {
		c.Data = append(json.RawMessage(nil), j.Data...)
	}
	return &c
}
