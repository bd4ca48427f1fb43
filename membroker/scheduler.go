package membroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

// DefaultCheckInterval is how often the scheduler looks for due schedules.
const DefaultCheckInterval = 10 * time.Second

// Scheduler fires cron schedules held in memory by enqueueing jobs
// through the client. Schedules die with the process, like everything
// else in this driver.
type Scheduler struct {
	client   *Client
	interval time.Duration
	logger   jobqueue.Logger

	mu        sync.Mutex
	schedules map[string]*jobqueue.Schedule
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	testTick func() // testing hook
}

// SchedulerOption is an options provider for Scheduler.
type SchedulerOption func(*Scheduler)

// SetCheckInterval overrides how often due schedules are polled.
func SetCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// SetSchedulerLogger redirects the scheduler's log output.
func SetSchedulerLogger(logger jobqueue.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler that enqueues fired jobs through the
// given client.
func NewScheduler(client *Client, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		client:    client,
		interval:  DefaultCheckInterval,
		logger:    client.logger,
		schedules: make(map[string]*jobqueue.Schedule),
		testTick:  func() {},
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Upsert creates or updates a schedule, validating the cron expression
// eagerly. Run bookkeeping of an existing schedule is preserved.
func (s *Scheduler) Upsert(ctx context.Context, cfg *jobqueue.ScheduleConfig) (string, error) {
	if cfg.Key == "" {
		return "", errors.New("membroker: no schedule key specified")
	}
	if cfg.Queue == "" {
		return "", errors.New("membroker: no queue specified")
	}
	nextRun, err := jobqueue.NextCronRun(cfg.Cron, time.Now())
	if err != nil {
		return "", err
	}
	var data json.RawMessage
	if cfg.Data != nil {
		data, err = marshalData(cfg.Data)
		if err != nil {
			return "", err
		}
	}
	now := time.Now().UnixMilli()
	sched := &jobqueue.Schedule{
		Key:      cfg.Key,
		Queue:    cfg.Queue,
		Cron:     cfg.Cron,
		Data:     data,
		Enabled:  !cfg.Disabled,
		RunLimit: cfg.RunLimit,
		NextRun:  nextRun,
		Created:  now,
		Updated:  now,
	}
	if !cfg.EndDate.IsZero() {
		sched.EndDate = cfg.EndDate.UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, found := s.schedules[cfg.Key]; found {
		sched.LastRun = existing.LastRun
		sched.RunCount = existing.RunCount
		sched.Created = existing.Created
	}
	s.schedules[cfg.Key] = sched
	return cfg.Key, nil
}

// Remove deletes a schedule, reporting whether it existed.
func (s *Scheduler) Remove(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.schedules[key]; !found {
		return false, nil
	}
	delete(s.schedules, key)
	return true, nil
}

// List returns schedules, optionally filtered by queue, ordered by key.
func (s *Scheduler) List(ctx context.Context, queue string) ([]*jobqueue.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scheds []*jobqueue.Schedule
	for _, sched := range s.schedules {
		if queue != "" && sched.Queue != queue {
			continue
		}
		scheds = append(scheds, sched.Clone())
	}
	sort.Slice(scheds, func(i, k int) bool { return scheds[i].Key < scheds[k].Key })
	return scheds, nil
}

// Get returns a schedule by key, or ErrScheduleNotFound.
func (s *Scheduler) Get(ctx context.Context, key string) (*jobqueue.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, found := s.schedules[key]
	if !found {
		return nil, jobqueue.ErrScheduleNotFound
	}
	return sched.Clone(), nil
}

// SetEnabled enables or disables a schedule. Enabling recomputes nextRun
// from now so a long-disabled schedule does not fire for a past instant.
func (s *Scheduler) SetEnabled(ctx context.Context, key string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, found := s.schedules[key]
	if !found {
		return jobqueue.ErrScheduleNotFound
	}
	if enabled {
		nextRun, err := jobqueue.NextCronRun(sched.Cron, time.Now())
		if err != nil {
			return err
		}
		sched.NextRun = nextRun
	}
	sched.Enabled = enabled
	sched.Updated = time.Now().UnixMilli()
	return nil
}

// Start launches the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("membroker: scheduler already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
	return nil
}

// Stop signals the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.tick(ctx, time.Now())
			s.testTick()
		case <-ctx.Done():
			return
		}
	}
}

// tick processes every due schedule once. Per-schedule failures are
// logged and do not abort the rest of the batch.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*jobqueue.Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && sched.NextRun <= now.UnixMilli() {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextRun < due[k].NextRun })
	s.mu.Unlock()

	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Printf("membroker: schedule %s: %v", sched.Key, err)
		}
	}
}

// fire enqueues one run of a due schedule and advances its bookkeeping.
// The enqueue key is derived from the scheduled instant, so firing the
// same instant twice collapses into one job.
func (s *Scheduler) fire(ctx context.Context, sched *jobqueue.Schedule, now time.Time) error {
	s.mu.Lock()
	if sched.EndDate > 0 && sched.EndDate <= now.UnixMilli() {
		sched.Enabled = false
		sched.Updated = now.UnixMilli()
		s.mu.Unlock()
		return nil
	}
	if sched.RunLimit > 0 && sched.RunCount >= sched.RunLimit {
		sched.Enabled = false
		sched.Updated = now.UnixMilli()
		s.mu.Unlock()
		return nil
	}
	nextRunKey := sched.NextRun
	queue := sched.Queue
	data := sched.Data
	cronExpr := sched.Cron
	s.mu.Unlock()

	key := jobqueue.FiringKey(sched.Key, nextRunKey)
	if _, err := s.client.Enqueue(ctx, queue, data, &jobqueue.EnqueueOptions{Key: key}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	nextRun, err := jobqueue.NextCronRun(cronExpr, now)
	if err != nil {
		return err
	}
	s.mu.Lock()
	sched.LastRun = now.UnixMilli()
	sched.NextRun = nextRun
	sched.RunCount++
	sched.Updated = now.UnixMilli()
	s.mu.Unlock()
	return nil
}
