package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/eclaire-labs/jobqueue"
)

// capacityWait is the short pause before re-checking a full worker.
const capacityWait = 50 * time.Millisecond

// Worker claims and executes jobs from one queue. Multiple workers, in
// the same process or on different hosts, may serve the same queue
// concurrently; correctness relies entirely on the store's atomic claim.
type Worker struct {
	store   *Store
	queue   string
	handler jobqueue.Handler
	cfg     jobqueue.WorkerConfig
	id      string
	logger  jobqueue.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	testJobClaimed func() // testing hook
	testJobDone    func() // testing hook
}

func nop() {}

// NewWorker creates a worker for the queue. The handler runs once per
// claimed job; its error return is classified per the error taxonomy.
func NewWorker(store *Store, queue string, handler jobqueue.Handler, cfg jobqueue.WorkerConfig) *Worker {
	cfg = cfg.WithDefaults()
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Worker{
		store:          store,
		queue:          queue,
		handler:        handler,
		cfg:            cfg,
		id:             fmt.Sprintf("%s-%s", host, jobqueue.NewJobID()[:8]),
		logger:         cfg.Logger,
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
		testJobClaimed: nop,
		testJobDone:    nop,
	}
}

// ID returns the worker's lock-owner identifier.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the claim loop.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("sqlstore: worker already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	w.running = true
	go w.run(ctx)
	return nil
}

// Stop signals the claim loop to exit, then waits for in-flight jobs to
// finish, bounded by the shutdown timeout. The drain itself is not
// cancellable; only idle waits are. On timeout Stop returns anyway rather
// than hanging.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	loopDone := w.loopDone
	w.mu.Unlock()

	<-loopDone

	drained := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(w.cfg.ShutdownTimeout):
		w.logger.Printf("sqlstore: worker %s shutdown timed out with jobs still running", w.id)
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// IsRunning reports whether the worker has been started and not stopped.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// run is the claim loop. Dispatch is asynchronous: the loop keeps
// claiming while jobs execute, up to the concurrency cap.
func (w *Worker) run(ctx context.Context) {
	defer close(w.loopDone)
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.sem.TryAcquire(1) {
			if !jobqueue.Sleep(ctx, capacityWait) {
				return
			}
			continue
		}
		job, err := w.store.Claim(ctx, w.queue, w.id, w.cfg.LockDuration)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("sqlstore: worker %s claim: %v", w.id, err)
			if !jobqueue.Sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			w.sem.Release(1)
			w.idleWait(ctx)
			continue
		}
		w.testJobClaimed()
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			defer w.sem.Release(1)
			w.process(job)
			w.testJobDone()
		}()
	}
}

// idleWait blocks until new work may be available: a queue notification
// if a notifier is configured (bounded, so a dropped notification cannot
// stall the worker), otherwise a fixed poll interval.
func (w *Worker) idleWait(ctx context.Context) {
	if w.cfg.Notifier != nil {
		w.cfg.Notifier.Wait(ctx, w.queue, w.cfg.NotifyWaitTimeout)
		return
	}
	jobqueue.Sleep(ctx, w.cfg.PollInterval)
}

// process runs a single claimed job to a terminal or rescheduled state.
// It deliberately does not use the loop context: in-flight jobs run to
// completion during shutdown.
func (w *Worker) process(job *jobqueue.Job) {
	ctx := context.Background()
	jc := newJobContext(w, job)

	stopHeartbeat := nop
	if w.cfg.HeartbeatInterval > 0 {
		stopHeartbeat = w.startHeartbeat(job)
	}
	defer stopHeartbeat()

	err := w.invokeHandler(ctx, jc)
	if err == nil {
		matched, serr := w.store.MarkCompleted(ctx, job.ID, w.id, job.LockToken)
		if serr != nil {
			w.logger.Printf("sqlstore: worker %s mark job %s completed: %v", w.id, job.ID, serr)
			return
		}
		if !matched {
			w.logger.Printf("sqlstore: worker %s lost lock on job %s before completion", w.id, job.ID)
			return
		}
		w.cfg.Events.EmitJobCompleted(job.ID, job.Metadata)
		return
	}
	w.handleFailure(ctx, job, err)
}

// invokeHandler calls the handler, converting a panic into an error so a
// panicking handler can never crash the worker.
func (w *Worker) invokeHandler(ctx context.Context, jc jobqueue.JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sqlstore: handler panic: %v", r)
		}
	}()
	return w.handler(ctx, jc)
}

// handleFailure classifies a handler error and applies the matching
// ownership-checked transition. A zero-row write means the lock was lost;
// that is logged, never surfaced, since authority over the job has moved.
func (w *Worker) handleFailure(ctx context.Context, job *jobqueue.Job, err error) {
	var matched bool
	var serr error
	switch {
	case isRateLimit(err):
		rl, _ := jobqueue.AsRateLimit(err)
		resumeAt := nowMillis() + rl.RetryAfter.Milliseconds()
		matched, serr = w.store.MarkRateLimited(ctx, job.ID, w.id, job.LockToken, resumeAt)
	case jobqueue.IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		w.logger.Printf("sqlstore: job %s failed: %v", job.ID, err)
		matched, serr = w.store.MarkFailed(ctx, job.ID, w.id, job.LockToken, err.Error(), "")
		if matched && serr == nil {
			w.cfg.Events.EmitJobFailed(job.ID, err.Error(), job.Metadata)
		}
	default:
		delay := jobqueue.RetryDelay(job.Backoff, job.Attempts)
		nextRetryAt := nowMillis() + delay.Milliseconds()
		matched, serr = w.store.MarkRetryPending(ctx, job.ID, w.id, job.LockToken, nextRetryAt, err.Error())
	}
	if serr != nil {
		w.logger.Printf("sqlstore: worker %s record failure of job %s: %v", w.id, job.ID, serr)
		return
	}
	if !matched {
		w.logger.Printf("sqlstore: worker %s lost lock on job %s before recording failure", w.id, job.ID)
	}
}

func isRateLimit(err error) bool {
	_, ok := jobqueue.AsRateLimit(err)
	return ok
}

// startHeartbeat periodically extends the job's lock while the handler
// runs. A failed extension is logged: the job keeps running locally but
// may be reclaimed elsewhere, a race the design accepts instead of
// killing in-flight work.
func (w *Worker) startHeartbeat(job *jobqueue.Job) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				matched, err := w.store.ExtendLock(context.Background(), job.ID, w.id, job.LockToken, w.cfg.LockDuration)
				if err != nil {
					w.logger.Printf("sqlstore: worker %s heartbeat for job %s: %v", w.id, job.ID, err)
				} else if !matched {
					w.logger.Printf("sqlstore: worker %s heartbeat for job %s: lock lost", w.id, job.ID)
				}
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
