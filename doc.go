// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

// Package jobqueue is a dual-backend job queue. Application code enqueues
// units of work, worker processes claim and execute them exactly once in
// effect, progress is tracked across multiple dynamic stages, failures are
// retried with backoff, and recurring jobs fire on cron schedules.
//
// Two interchangeable drivers implement the Client, Worker, and Scheduler
// contracts defined here: a relational driver in package sqlstore (usable
// with PostgreSQL, MySQL, or SQLite) and an in-memory broker driver in
// package membroker. Package adapter selects a driver from configuration
// and exposes a single facade, so application code stays driver-agnostic.
//
// Jobs are claimed atomically: the relational driver uses FOR UPDATE SKIP
// LOCKED where the engine supports it and a single-statement atomic UPDATE
// fallback where it does not. Every claim issues a fresh fencing token,
// and every subsequent write for that job (heartbeat, stage update,
// completion, failure) must present the token, so a worker whose lock
// expired and was reclaimed elsewhere cannot corrupt state when it wakes
// up; its writes simply affect zero rows and are logged as lock-lost.
//
// A job handler receives a JobContext exposing heartbeating, logging, and
// the stage lifecycle (init, start, progress, complete, fail, dynamic
// append). Handler errors are classified into retryable (counted against
// attempts, rescheduled with per-job backoff), rate-limited (rescheduled
// without consuming an attempt), and permanent (failed immediately).
//
// A scheduler loop fires cron schedules by enqueueing jobs under a key
// derived from the scheduled fire time, so a scheduler restart between
// enqueue and bookkeeping cannot double-fire.
package jobqueue
