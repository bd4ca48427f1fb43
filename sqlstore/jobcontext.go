package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eclaire-labs/jobqueue"
)

// jobContext implements jobqueue.JobContext for one job run. It keeps a
// local snapshot of the job so stage mutations are visible through Job()
// without a store round-trip per read.
type jobContext struct {
	w   *Worker
	mu  sync.Mutex
	job *jobqueue.Job
}

func newJobContext(w *Worker, job *jobqueue.Job) *jobContext {
	return &jobContext{w: w, job: job}
}

func (jc *jobContext) Job() *jobqueue.Job {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.job.Clone()
}

func (jc *jobContext) Heartbeat(ctx context.Context) error {
	matched, err := jc.w.store.ExtendLock(ctx, jc.job.ID, jc.w.id, jc.job.LockToken, jc.w.cfg.LockDuration)
	if err != nil {
		return err
	}
	if !matched {
		jc.w.logger.Printf("sqlstore: heartbeat for job %s: lock lost", jc.job.ID)
	}
	return nil
}

func (jc *jobContext) Log(format string, v ...interface{}) {
	jc.w.logger.Printf("sqlstore: job "+jc.job.ID+": "+format, v...)
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

// persistStages writes the local stage state through the ownership check.
// Losing the lock is logged, not returned: the handler keeps running and
// its outcome is discarded at completion time.
func (jc *jobContext) persistStages(ctx context.Context) error {
	jc.job.OverallProgress = jobqueue.OverallProgress(jc.job.Stages)
	matched, err := jc.w.store.PersistStages(ctx, jc.job.ID, jc.w.id, jc.job.LockToken,
		jc.job.Stages, jc.job.CurrentStage, jc.job.OverallProgress)
	if err != nil {
		return err
	}
	if !matched {
		jc.w.logger.Printf("sqlstore: persist stages for job %s: lock lost", jc.job.ID)
	}
	return nil
}

func (jc *jobContext) InitStages(ctx context.Context, names []string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.job.Stages = jobqueue.InitStages(names)
	jc.job.CurrentStage = ""
	return jc.persistStages(ctx)
}

func (jc *jobContext) StartStage(ctx context.Context, name string) error {
	jc.mu.Lock()
	if err := jobqueue.StartStage(jc.job.Stages, name, nowMillis()); err != nil {
		jc.mu.Unlock()
		return err
	}
	jc.job.CurrentStage = name
	err := jc.persistStages(ctx)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
	jc.w.cfg.Events.EmitStageStarted(jc.job.ID, name, jc.job.Metadata)
	return nil
}

// UpdateStageProgress is in-memory only, to avoid write amplification on
// high-frequency progress ticks; the progress event still fires.
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
	var raw json.RawMessage
	if artifacts != nil {
		v, err := json.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal stage artifacts: %w", err)
		}
		raw = v
	}
	jc.mu.Lock()
	if err := jobqueue.CompleteStage(jc.job.Stages, name, raw, nowMillis()); err != nil {
		jc.mu.Unlock()
		return err
	}
	if jc.job.CurrentStage == name {
		jc.job.CurrentStage = ""
	}
	err := jc.persistStages(ctx)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
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
	if err := jobqueue.FailStage(jc.job.Stages, name, msg, nowMillis()); err != nil {
		jc.mu.Unlock()
		return err
	}
	if jc.job.CurrentStage == name {
		jc.job.CurrentStage = ""
	}
	err := jc.persistStages(ctx)
	jc.mu.Unlock()
	if err != nil {
		return err
	}
	jc.w.cfg.Events.EmitStageFailed(jc.job.ID, name, msg, jc.job.Metadata)
	return nil
}

// AddStages appends pending stages discovered at runtime, keeping the
// current stage.
func (jc *jobContext) AddStages(ctx context.Context, names []string) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	stages, err := jobqueue.AddStages(jc.job.Stages, names)
	if err != nil {
		return err
	}
	jc.job.Stages = stages
	return jc.persistStages(ctx)
}
