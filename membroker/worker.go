package membroker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

// Worker serves one queue on an embedded broker. It registers a topic
// handler that translates between the shared handler contract and the
// broker's native retry engine: rate limits become uncharged reschedules
// and permanent errors become the broker's non-retryable signal.
type Worker struct {
	broker  *Broker
	queue   string
	handler jobqueue.Handler
	cfg     jobqueue.WorkerConfig
	logger  jobqueue.Logger

	mu      sync.Mutex
	running bool
}

// NewWorker creates a worker for the queue.
func NewWorker(broker *Broker, queue string, handler jobqueue.Handler, cfg jobqueue.WorkerConfig) *Worker {
	cfg = cfg.WithDefaults()
	return &Worker{
		broker:  broker,
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Start registers the queue's handler and spins the shared broker up.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("membroker: worker already started")
	}
	if err := w.broker.Register(w.queue, w.execute); err != nil {
		return err
	}
	if err := w.broker.Start(); err != nil {
		w.broker.Deregister(w.queue)
		return err
	}
	w.running = true
	return nil
}

// Stop deregisters the handler and releases this worker's hold on the
// broker. Jobs already running finish, bounded by the shutdown timeout.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.broker.Deregister(w.queue)
	w.running = false
	if err := w.broker.Stop(w.cfg.ShutdownTimeout); err != nil {
		w.logger.Printf("membroker: worker for queue %s: %v", w.queue, err)
	}
	return nil
}

// IsRunning reports whether the worker has been started and not stopped.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// execute adapts one native broker run to the shared handler contract.
func (w *Worker) execute(bj *Job) error {
	jc := newJobContext(w, bj)
	err := w.invokeHandler(jc)
	view := jc.Job()
	if err == nil {
		w.cfg.Events.EmitJobCompleted(view.ID, view.Metadata)
		return nil
	}
	if rl, ok := jobqueue.AsRateLimit(err); ok {
		// Throttling, not a fault: requeue without charging the attempt.
		return Reschedule(time.Now().Add(rl.RetryAfter))
	}
	if jobqueue.IsPermanent(err) {
		w.logger.Printf("membroker: job %s failed: %v", view.ID, err)
		w.cfg.Events.EmitJobFailed(view.ID, err.Error(), view.Metadata)
		return NonRetryable(err)
	}
	if bj.Attempts >= bj.MaxAttempts {
		w.logger.Printf("membroker: job %s failed: %v", view.ID, err)
		w.cfg.Events.EmitJobFailed(view.ID, err.Error(), view.Metadata)
	}
	return err
}

func (w *Worker) invokeHandler(jc jobqueue.JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("membroker: handler panic: %v", r)
		}
	}()
	return w.handler(context.Background(), jc)
}

// jobContext implements jobqueue.JobContext on top of a native broker
// job. Stage state lives in the payload under reserved keys; persistence
// is a read-modify-write of that payload under the broker lock.
type jobContext struct {
	w  *Worker
	bj *Job

	mu  sync.Mutex
	job *jobqueue.Job
}

func newJobContext(w *Worker, bj *Job) *jobContext {
	return &jobContext{w: w, bj: bj, job: translate(bj)}
}

func (jc *jobContext) Job() *jobqueue.Job {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.job.Clone()
}

// Heartbeat is a no-op: an embedded broker has no lock expiry, a process
// crash takes the broker's state with it.
func (jc *jobContext) Heartbeat(ctx context.Context) error {
	return nil
}

func (jc *jobContext) Log(format string, v ...interface{}) {
	jc.w.logger.Printf("membroker: job "+jc.job.ID+": "+format, v...)
}

// Progress updates job-level progress for jobs that do not use stages.
// In-memory only, like UpdateStageProgress.
func (jc *jobContext) Progress(pct int) {
	jc.mu.Lock()
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	jc.job.OverallProgress = pct
	jc.mu.Unlock()
	jc.w.cfg.Events.EmitJobProgress(jc.job.ID, pct, jc.job.Metadata)
}

// persistStages writes the local stage state back into the payload.
func (jc *jobContext) persistStages() {
	jc.job.OverallProgress = jobqueue.OverallProgress(jc.job.Stages)
	stages := jc.job.Stages
	current := jc.job.CurrentStage
	progress := jc.job.OverallProgress
	jc.w.broker.UpdatePayload(jc.bj.ID, func(p map[string]interface{}) {
		encodeStages(p, stages)
		if current == "" {
			delete(p, payloadCurrent)
		} else {
			p[payloadCurrent] = current
		}
		p[payloadProgress] = progress
	})
}

func (jc *jobContext) InitStages(ctx context.Context, names []string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.job.Stages = jobqueue.InitStages(names)
	jc.job.CurrentStage = ""
	jc.persistStages()
	return nil
}

func (jc *jobContext) StartStage(ctx context.Context, name string) error {
	jc.mu.Lock()
	if err := jobqueue.StartStage(jc.job.Stages, name, time.Now().UnixMilli()); err != nil {
		jc.mu.Unlock()
		return err
	}
	jc.job.CurrentStage = name
	jc.persistStages()
	jc.mu.Unlock()
	jc.w.cfg.Events.EmitStageStarted(jc.job.ID, name, jc.job.Metadata)
	return nil
}

// UpdateStageProgress is in-memory only; the progress event still fires.
func (jc *jobContext) UpdateStageProgress(name string, pct int) error {
	jc.mu.Lock()
	if err := jobqueue.SetStageProgress(jc.job.Stages, name, pct); err != nil {
		jc.mu.Unlock()
		return err
	}
	jc.job.OverallProgress = jobqueue.OverallProgress(jc.job.Stages)
	jc.mu.Unlock()
	jc.w.cfg.Events.EmitStageProgress(jc.job.ID, name, pct, jc.job.Metadata)
	return nil
}

func (jc *jobContext) CompleteStage(ctx context.Context, name string, artifacts interface{}) error {
	var raw []byte
	if artifacts != nil {
		v, err := marshalData(artifacts)
		if err != nil {
			return fmt.Errorf("membroker: marshal stage artifacts: %w", err)
		}
		raw = v
	}
	jc.mu.Lock()
	if err := jobqueue.CompleteStage(jc.job.Stages, name, raw, time.Now().UnixMilli()); err != nil {
		jc.mu.Unlock()
		return err
	}
	if jc.job.CurrentStage == name {
		jc.job.CurrentStage = ""
	}
	jc.persistStages()
	jc.mu.Unlock()
	jc.w.cfg.Events.EmitStageCompleted(jc.job.ID, name, raw, jc.job.Metadata)
	return nil
}

// FailStage records a stage failure without aborting the job; the handler
// may continue into subsequent stages.
func (jc *jobContext) FailStage(ctx context.Context, name string, stageErr error) error {
	msg := ""
	if stageErr != nil {
		msg = stageErr.Error()
	}
	jc.mu.Lock()
	if err := jobqueue.FailStage(jc.job.Stages, name, msg, time.Now().UnixMilli()); err != nil {
		jc.mu.Unlock()
		return err
	}
	if jc.job.CurrentStage == name {
		jc.job.CurrentStage = ""
	}
	jc.persistStages()
	jc.mu.Unlock()
	jc.w.cfg.Events.EmitStageFailed(jc.job.ID, name, msg, jc.job.Metadata)
	return nil
}

// AddStages appends pending stages discovered at runtime.
func (jc *jobContext) AddStages(ctx context.Context, names []string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	stages, err := jobqueue.AddStages(jc.job.Stages, names)
	if err != nil {
		return err
	}
	jc.job.Stages = stages
	jc.persistStages()
	return nil
}
