package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

// DefaultCheckInterval is how often the scheduler looks for due schedules.
const DefaultCheckInterval = 10 * time.Second

// Scheduler fires cron schedules by enqueueing jobs through the client.
// Its lifecycle is independent from workers; ticks are synchronous and
// quick, so stopping drains effectively instantly.
type Scheduler struct {
	store    *Store
	client   *Client
	interval time.Duration
	logger   jobqueue.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

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
// given client, so worker wake-up notifications fire as usual.
func NewScheduler(store *Store, client *Client, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		client:   client,
		interval: DefaultCheckInterval,
		logger:   store.logger,
		testTick: nop,
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
		return "", errors.New("sqlstore: no schedule key specified")
	}
	if cfg.Queue == "" {
		return "", errors.New("sqlstore: no queue specified")
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
	now := nowMillis()
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
	if err := s.store.UpsertSchedule(ctx, sched); err != nil {
		return "", err
	}
	return cfg.Key, nil
}

// Remove deletes a schedule, reporting whether it existed.
func (s *Scheduler) Remove(ctx context.Context, key string) (bool, error) {
	return s.store.RemoveSchedule(ctx, key)
}

// List returns schedules, optionally filtered by queue.
func (s *Scheduler) List(ctx context.Context, queue string) ([]*jobqueue.Schedule, error) {
	return s.store.ListSchedules(ctx, queue)
}

// Get returns a schedule by key, or ErrScheduleNotFound.
func (s *Scheduler) Get(ctx context.Context, key string) (*jobqueue.Schedule, error) {
	return s.store.GetSchedule(ctx, key)
}

// SetEnabled enables or disables a schedule. A missing key is an error.
// Enabling recomputes nextRun from now so a long-disabled schedule does
// not fire for a past instant.
func (s *Scheduler) SetEnabled(ctx context.Context, key string, enabled bool) error {
	var nextRun int64
	if enabled {
		sched, err := s.store.GetSchedule(ctx, key)
		if err != nil {
			return err
		}
		nextRun, err = jobqueue.NextCronRun(sched.Cron, time.Now())
		if err != nil {
			return err
		}
	}
	return s.store.SetScheduleEnabled(ctx, key, enabled, nextRun)
}

// Start launches the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sqlstore: scheduler already started")
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
			if err := s.tick(ctx, time.Now()); err != nil {
				s.logger.Printf("sqlstore: scheduler tick: %v", err)
			}
			s.testTick()
		case <-ctx.Done():
			return
		}
	}
}

// tick processes every due schedule once. Per-schedule failures are
// logged and do not abort the rest of the batch.
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	due, err := s.store.DueSchedules(ctx, now.UnixMilli())
	if err != nil {
		return err
	}
	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Printf("sqlstore: schedule %s: %v", sched.Key, err)
		}
	}
	return nil
}

// fire enqueues one run of a due schedule and advances its bookkeeping.
// The enqueue key is derived from the scheduled instant, so firing the
// same instant twice (scheduler restart between enqueue and advance)
// collapses into one job.
func (s *Scheduler) fire(ctx context.Context, sched *jobqueue.Schedule, now time.Time) error {
	if sched.EndDate > 0 && sched.EndDate <= now.UnixMilli() {
		return s.store.SetScheduleEnabled(ctx, sched.Key, false, 0)
	}
	if sched.RunLimit > 0 && sched.RunCount >= sched.RunLimit {
		return s.store.SetScheduleEnabled(ctx, sched.Key, false, 0)
	}

	key := jobqueue.FiringKey(sched.Key, sched.NextRun)
	if _, err := s.client.Enqueue(ctx, sched.Queue, sched.Data, &jobqueue.EnqueueOptions{Key: key}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	nextRun, err := jobqueue.NextCronRun(sched.Cron, now)
	if err != nil {
		return err
	}
	return s.store.AdvanceSchedule(ctx, sched.Key, now.UnixMilli(), nextRun)
}
