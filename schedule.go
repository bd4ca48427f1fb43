// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a recurring enqueue rule. Timestamps are epoch milliseconds.
type Schedule struct {
	Key      string          `json:"key"`   // unique schedule identifier
	Queue    string          `json:"queue"` // target queue for fired jobs
	Cron     string          `json:"cron"`  // 5- or 6-field cron expression
	Data     json.RawMessage `json:"data,omitempty"`
	Enabled  bool            `json:"enabled"`
	RunLimit int             `json:"runLimit,omitempty"` // 0 means unlimited
	EndDate  int64           `json:"endDate,omitempty"`  // 0 means no end date
	LastRun  int64           `json:"lastRun,omitempty"`
	NextRun  int64           `json:"nextRun,omitempty"`
	RunCount int             `json:"runCount"`
	Created  int64           `json:"created"`
	Updated  int64           `json:"updated"`
}

// Clone returns a copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.Data != nil {
		c.Data = append(json.RawMessage(nil), s.Data...)
	}
	return &c
}

// ScheduleConfig is the input to Scheduler.Upsert.
type ScheduleConfig struct {
	Key      string
	Queue    string
	Cron     string
	Data     interface{}
	Disabled bool // zero value means enabled
	RunLimit int
	EndDate  time.Time
}

var secondsParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron parses a 5-field (standard) or 6-field (with seconds) cron
// expression. Invalid syntax is rejected eagerly, wrapped in ErrInvalidCron.
func ParseCron(expr string) (cron.Schedule, error) {
	if sched, err := cron.ParseStandard(expr); err == nil {
		return sched, nil
	}
	sched, err := secondsParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// NextCronRun evaluates the expression and returns the next firing time
// after from, in epoch milliseconds.
func NextCronRun(expr string, from time.Time) (int64, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return 0, err
	}
	return sched.Next(from).UnixMilli(), nil
}

// FiringKey derives the idempotency key for one firing of a schedule.
// It is deterministic in the scheduled fire time, so a scheduler that
// crashes between enqueueing and bookkeeping cannot double-fire after a
// restart.
func FiringKey(scheduleKey string, nextRun int64) string {
	return fmt.Sprintf("schedule:%s:%d", scheduleKey, nextRun)
}
