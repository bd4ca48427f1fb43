// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"context"
	"time"
)

// Replace modes for keyed enqueues.
const (
	// ReplaceLastWins is the default: an existing keyed job is reset to
	// pending and its payload, backoff, and priority are overwritten.
	// This is unconditional; if the job is currently processing, the
	// in-flight run is silently orphaned from the caller's perspective.
	// Use ReplaceIfNotActive when that matters.
	ReplaceLastWins = ""

	// ReplaceIfNotActive only replaces jobs that have not started yet.
	// A processing job makes Enqueue fail with ErrJobAlreadyActive; a
	// terminal job is deleted and re-created fresh.
	ReplaceIfNotActive = "if_not_active"
)

// EnqueueOptions configure a single Enqueue call. The zero value is valid.
type EnqueueOptions struct {
	Key         string                 // idempotency key, unique within the queue
	Priority    int                    // higher gets claimed first
	Delay       time.Duration          // relative run time
	RunAt       time.Time              // absolute run time; wins over Delay if both set
	MaxAttempts int                    // default 3
	Backoff     BackoffSpec            // default exponential with DefaultBackoffDelay
	Replace     string                 // ReplaceLastWins or ReplaceIfNotActive
	Stages      []string               // pre-initialized stage names
	Metadata    map[string]interface{} // opaque, passed through to event callbacks
}

// Client enqueues and inspects jobs. Both drivers implement it.
type Client interface {
	// Enqueue creates (or, for keyed calls, replaces) a job and returns
	// its id. A best-effort notification wakes idle workers; notification
	// failures never fail the enqueue.
	Enqueue(ctx context.Context, queue string, data interface{}, opts *EnqueueOptions) (string, error)

	// Cancel transitions a pending or retry_pending job to failed with
	// message "Cancelled". It reports whether a job matched; a processing
	// job is not cancellable and yields false.
	Cancel(ctx context.Context, idOrKey string) (bool, error)

	// Retry resets a failed job to pending with zero attempts, clearing
	// error and lock fields. It reports whether a job matched.
	Retry(ctx context.Context, idOrKey string) (bool, error)

	// GetJob returns a job by id or key, or ErrNotFound.
	GetJob(ctx context.Context, idOrKey string) (*Job, error)

	// Stats returns grouped counts by status. An empty queue means global.
	Stats(ctx context.Context, queue string) (*Stats, error)

	// ListJobs returns jobs matching the request, newest updates first.
	// A nil request lists everything.
	ListJobs(ctx context.Context, req *ListRequest) ([]*Job, error)

	// Close releases the client's resources.
	Close() error
}

// Worker claims and executes jobs from one queue.
type Worker interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Scheduler fires recurring jobs from cron schedules.
type Scheduler interface {
	// Upsert creates or updates a schedule, validating the cron
	// expression eagerly. It returns the schedule key.
	Upsert(ctx context.Context, cfg *ScheduleConfig) (string, error)

	// Remove deletes a schedule, reporting whether it existed.
	Remove(ctx context.Context, key string) (bool, error)

	// List returns schedules, optionally filtered by queue.
	List(ctx context.Context, queue string) ([]*Schedule, error)

	// Get returns a schedule by key, or ErrScheduleNotFound.
	Get(ctx context.Context, key string) (*Schedule, error)

	// SetEnabled enables or disables a schedule. A missing key is an
	// error, not a no-op.
	SetEnabled(ctx context.Context, key string, enabled bool) error

	Start() error
	Stop() error
}

// Handler processes one job. Returning nil completes the job; returning
// an error classifies it per the error taxonomy (RateLimitError,
// PermanentError, anything else retryable).
type Handler func(ctx context.Context, jc JobContext) error

// JobContext is handed to a Handler for the duration of one job run.
// All stage mutations recompute the job's overall progress before
// persisting; UpdateStageProgress and Progress update in-memory state
// only, to avoid write amplification on high-frequency ticks.
type JobContext interface {
	// Job returns a snapshot of the job, reflecting stage mutations made
	// through this context without a store round-trip.
	Job() *Job

	// Heartbeat manually extends the job's lock, conditioned on still
	// owning the fencing token.
	Heartbeat(ctx context.Context) error

	// Log writes a message attributed to this job.
	Log(format string, v ...interface{})

	// Progress updates the job-level progress for jobs not using stages.
	Progress(pct int)

	// InitStages replaces the stage list with the given names, all
	// pending at 0%, and clears the current stage.
	InitStages(ctx context.Context, names []string) error

	// StartStage marks the named stage processing and makes it current.
	StartStage(ctx context.Context, name string) error

	// UpdateStageProgress updates a stage's progress in memory only.
	UpdateStageProgress(name string, pct int) error

	// CompleteStage marks the stage completed at 100%, attaching optional
	// artifacts, and clears the current stage.
	CompleteStage(ctx context.Context, name string, artifacts interface{}) error

	// FailStage marks the stage failed and clears the current stage.
	// The job itself keeps running.
	FailStage(ctx context.Context, name string, stageErr error) error

	// AddStages appends pending stages to the end of the list, keeping
	// the current stage.
	AddStages(ctx context.Context, names []string) error
}

// WorkerConfig configures a Worker. Zero values fall back to the defaults
// below.
type WorkerConfig struct {
	Concurrency       int           // max jobs run simultaneously, default 5
	PollInterval      time.Duration // idle poll interval, default 1s
	LockDuration      time.Duration // claim lock lifetime, default 1m
	HeartbeatInterval time.Duration // automatic lock extension interval, default 15s; negative disables
	ShutdownTimeout   time.Duration // graceful drain bound on Stop, default 30s
	NotifyWaitTimeout time.Duration // bound on a notification wait, default 5s
	Logger            Logger
	Notifier          Notifier // optional; absent means plain polling
	Events            *Events  // optional event callbacks
}

// Defaults for WorkerConfig.
const (
	DefaultConcurrency       = 5
	DefaultPollInterval      = 1 * time.Second
	DefaultLockDuration      = 1 * time.Minute
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultNotifyWaitTimeout = 5 * time.Second
)

// WithDefaults returns a copy of the config with zero values replaced by
// defaults.
func (c WorkerConfig) WithDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.NotifyWaitTimeout <= 0 {
		c.NotifyWaitTimeout = DefaultNotifyWaitTimeout
	}
	if c.Logger == nil {
		c.Logger = StdLogger{}
	}
	return c
}
