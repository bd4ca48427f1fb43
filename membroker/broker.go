// Package membroker is the in-memory driver of the job queue. It runs an
// embedded at-least-once broker whose native job model knows nothing
// about stages or metadata; the driver wrappers in this package smuggle
// those inside the job payload and translate the shared Client, Worker,
// and Scheduler contracts onto broker semantics.
package membroker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

// Native broker job states.
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is the broker's native job model.
type Job struct {
	ID          string
	Topic       string
	Payload     map[string]interface{}
	State       string
	Priority    int
	Attempts    int
	MaxAttempts int
	AvailableAt int64 // epoch millis; zero means immediately
	LastError   string
	Created     int64
	Updated     int64
	Completed   int64

	// epoch fences a live run against a concurrent reset of the same
	// job: a reset bumps it, and the stale run's outcome is discarded.
	epoch int
}

func (j *Job) clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// HandlerFunc processes one native broker job.
type HandlerFunc func(job *Job) error

// nonRetryableError short-circuits the broker's retry engine.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the broker fails the job immediately instead
// of reattempting it.
func NonRetryable(err error) error {
	return &nonRetryableError{err: err}
}

// rescheduleError pushes the job back to queued at a future time without
// charging the attempt.
type rescheduleError struct {
	at int64
}

func (e *rescheduleError) Error() string {
	return fmt.Sprintf("membroker: rescheduled to %d", e.at)
}

// Reschedule returns a control error that requeues the job at t. The
// broker's native attempt counter is not incremented for the run.
func Reschedule(t time.Time) error {
	return &rescheduleError{at: t.UnixMilli()}
}

const (
	defaultConcurrency = 5
	dispatchInterval   = 50 * time.Millisecond
)

// Broker is an embedded at-least-once broker. One broker instance is
// shared by all workers of a process; its dispatch loop hands queued
// jobs to a fixed pool of executor goroutines.
type Broker struct {
	logger  jobqueue.Logger
	backoff func(attempts int) time.Duration

	mu          sync.Mutex
	handlers    map[string]HandlerFunc
	jobs        map[string]*Job
	concurrency int
	working     int
	refs        int // Start/Stop refcount across driver workers
	stopSched   chan struct{}
	workersWg   sync.WaitGroup
	jobc        chan *Job
}

// BrokerOption is an options provider for Broker.
type BrokerOption func(*Broker)

// SetLogger redirects the broker's log output.
func SetLogger(logger jobqueue.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// SetConcurrency sets the number of executor goroutines.
func SetConcurrency(n int) BrokerOption {
	return func(b *Broker) {
		if n >= 1 {
			b.concurrency = n
		}
	}
}

// SetBackoffFunc overrides the broker's native retry backoff.
func SetBackoffFunc(fn func(attempts int) time.Duration) BrokerOption {
	return func(b *Broker) {
		if fn != nil {
			b.backoff = fn
		}
	}
}

// New creates a broker. Pass options to configure it.
func New(options ...BrokerOption) *Broker {
	b := &Broker{
		logger:      jobqueue.StdLogger{},
		concurrency: defaultConcurrency,
		handlers:    make(map[string]HandlerFunc),
		jobs:        make(map[string]*Job),
		backoff: func(attempts int) time.Duration {
			return jobqueue.RetryDelay(jobqueue.BackoffSpec{Type: jobqueue.BackoffExponential}, attempts)
		},
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Register registers the handler for a topic.
func (b *Broker) Register(topic string, h HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.handlers[topic]; found {
		return fmt.Errorf("membroker: topic %s already registered", topic)
	}
	b.handlers[topic] = h
	return nil
}

// Deregister removes the handler for a topic. Queued jobs for the topic
// stay put until a handler is registered again.
func (b *Broker) Deregister(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
}

// Start spins up the dispatch loop and executors. Calls are refcounted so
// that several driver workers can share one broker; the first Start does
// the work.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	if b.refs > 1 {
		return nil
	}
	b.jobc = make(chan *Job, b.concurrency)
	for i := 0; i < b.concurrency; i++ {
		b.workersWg.Add(1)
		go b.executor()
	}
	b.stopSched = make(chan struct{})
	go b.dispatch()
	return nil
}

// Stop undoes one Start. The final Stop shuts the dispatch loop down and
// waits for running jobs, bounded by timeout; on timeout it returns
// anyway.
func (b *Broker) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if b.refs == 0 {
		b.mu.Unlock()
		return nil
	}
	b.refs--
	if b.refs > 0 {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.stopSched <- struct{}{}
	<-b.stopSched
	close(b.stopSched)
	close(b.jobc)

	if timeout < 0 {
		b.workersWg.Wait()
		return nil
	}
	drained := make(chan struct{})
	go func() {
		b.workersWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-time.After(timeout):
		return errors.New("membroker: stop timed out")
	}
}

// dispatch periodically fills free executor slots with due queued jobs.
func (b *Broker) dispatch() {
	t := time.NewTicker(dispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for {
				job := b.claimNext()
				if job == nil {
					break
				}
				b.jobc <- job
			}
		case <-b.stopSched:
			b.stopSched <- struct{}{}
			return
		}
	}
}

// claimNext picks the best due queued job with a registered handler and
// marks it active. Order: priority descending, then creation time. The
// returned job is a snapshot taken under the lock; executors never touch
// the live record directly.
func (b *Broker) claimNext() *Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.working >= b.concurrency {
		return nil
	}
	now := time.Now().UnixMilli()
	var next *Job
	for _, job := range b.jobs {
		if job.State != StateQueued || job.AvailableAt > now {
			continue
		}
		if _, found := b.handlers[job.Topic]; !found {
			continue
		}
		if next == nil || job.Priority > next.Priority ||
			(job.Priority == next.Priority && job.Created < next.Created) {
			next = job
		}
	}
	if next == nil {
		return nil
	}
	next.State = StateActive
	next.Attempts++
	next.Updated = now
	b.working++
	return next.clone()
}

// executor runs jobs handed over by the dispatch loop.
func (b *Broker) executor() {
	defer b.workersWg.Done()
	for job := range b.jobc {
		b.runJob(job)
	}
}

// runJob executes one claimed snapshot. The outcome is applied to the
// live record only if its epoch still matches the snapshot's; a reset or
// removal in between makes the run stale and its outcome is discarded.
func (b *Broker) runJob(job *Job) {
	b.mu.Lock()
	h, found := b.handlers[job.Topic]
	b.mu.Unlock()

	var err error
	if !found {
		// Handler went away between claim and run; requeue.
		err = &rescheduleError{at: time.Now().UnixMilli()}
	} else {
		err = b.invoke(h, job)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.working--
	live, found := b.jobs[job.ID]
	if !found || live.epoch != job.epoch {
		return
	}
	now := time.Now().UnixMilli()
	live.Updated = now
	switch {
	case err == nil:
		live.State = StateCompleted
		live.Completed = now
		live.LastError = ""
	case isReschedule(err):
		re := err.(*rescheduleError)
		live.State = StateQueued
		live.AvailableAt = re.at
		live.Attempts-- // throttling, not a fault
	case isNonRetryable(err):
		live.State = StateFailed
		live.LastError = err.Error()
		live.Completed = now
	case live.Attempts >= live.MaxAttempts:
		b.logger.Printf("membroker: job %s failed after %d attempts: %v", live.ID, live.Attempts, err)
		live.State = StateFailed
		live.LastError = err.Error()
		live.Completed = now
	default:
		live.State = StateQueued
		live.AvailableAt = now + b.backoff(live.Attempts).Milliseconds()
		live.LastError = err.Error()
	}
}

func (b *Broker) invoke(h HandlerFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("membroker: handler panic: %v", r)
		}
	}()
	return h(job)
}

func isReschedule(err error) bool {
	var re *rescheduleError
	return errors.As(err, &re)
}

func isNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// ErrJobActive is returned by keyed upserts refusing to replace a job
// that is currently running.
var ErrJobActive = errors.New("membroker: job is active")

// Enqueue adds a job in the queued state and returns its id.
func (b *Broker) Enqueue(job *Job) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enqueueLocked(job)
}

// EnqueueKeyed inserts job, or replaces the first job in its topic for
// which match returns true, as one atomic step. With ifNotActive set, an
// active match is refused with ErrJobActive and a terminal match is
// replaced under a fresh id; otherwise the match is overwritten in
// place even mid-run, fencing the stale run. match runs under the broker
// lock and must not call back into the broker.
func (b *Broker) EnqueueKeyed(job *Job, match func(*Job) bool, ifNotActive bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var existing *Job
	for _, j := range b.jobs {
		if j.Topic == job.Topic && match(j) {
			existing = j
			break
		}
	}
	if existing == nil {
		return b.enqueueLocked(job), nil
	}
	if ifNotActive {
		switch existing.State {
		case StateActive:
			return "", ErrJobActive
		case StateQueued:
			b.resetLocked(existing, job)
			return existing.ID, nil
		default:
			// Terminal: replace with a fresh run under a new id.
			delete(b.jobs, existing.ID)
			return b.enqueueLocked(job), nil
		}
	}
	b.resetLocked(existing, job)
	return existing.ID, nil
}

func (b *Broker) enqueueLocked(job *Job) string {
	if job.ID == "" {
		job.ID = jobqueue.NewJobID()
	}
	now := time.Now().UnixMilli()
	job.State = StateQueued
	job.Created = now
	job.Updated = now
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	b.jobs[job.ID] = job
	return job.ID
}

// Get returns a copy of the job, if it exists.
func (b *Broker) Get(id string) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return nil, false
	}
	return job.clone(), true
}

// Each calls fn for every job under the broker lock. fn must not call
// back into the broker and must treat the job as read-only.
func (b *Broker) Each(fn func(*Job)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, job := range b.jobs {
		fn(job)
	}
}

// UpdatePayload performs a read-modify-write of the job's payload blob.
func (b *Broker) UpdatePayload(id string, fn func(map[string]interface{})) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return false
	}
	if job.Payload == nil {
		job.Payload = make(map[string]interface{})
	}
	fn(job.Payload)
	job.Updated = time.Now().UnixMilli()
	return true
}

// Remove deletes a job.
func (b *Broker) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.jobs[id]; !found {
		return false
	}
	delete(b.jobs, id)
	return true
}

// FailQueued fails a queued job with the given message, e.g. a cancel.
// Active and terminal jobs are left untouched.
func (b *Broker) FailQueued(id, msg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found || job.State != StateQueued {
		return false
	}
	now := time.Now().UnixMilli()
	job.State = StateFailed
	job.LastError = msg
	job.Updated = now
	job.Completed = now
	job.epoch++
	return true
}

// RequeueFailed resets a failed job to queued with zero attempts.
func (b *Broker) RequeueFailed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found || job.State != StateFailed {
		return false
	}
	job.State = StateQueued
	job.Attempts = 0
	job.LastError = ""
	job.AvailableAt = 0
	job.Completed = 0
	job.Updated = time.Now().UnixMilli()
	job.epoch++
	return true
}

// Reset overwrites a job's payload, priority, and scheduling and requeues
// it with zero attempts. A run in flight becomes stale through the epoch
// fence and its outcome is discarded.
func (b *Broker) Reset(id string, payload map[string]interface{}, priority, maxAttempts int, availableAt int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return false
	}
	b.resetLocked(job, &Job{
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt,
	})
	return true
}

func (b *Broker) resetLocked(job, from *Job) {
	job.Payload = from.Payload
	job.Priority = from.Priority
	job.MaxAttempts = from.MaxAttempts
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	job.AvailableAt = from.AvailableAt
	job.State = StateQueued
	job.Attempts = 0
	job.LastError = ""
	job.Completed = 0
	job.Updated = time.Now().UnixMilli()
	job.epoch++
}
