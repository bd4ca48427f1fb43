package membroker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

func testWorkerConfig() jobqueue.WorkerConfig {
	return jobqueue.WorkerConfig{
		ShutdownTimeout: 5 * time.Second,
		Logger:          jobqueue.NopLogger{},
	}
}

// waitForStatus polls the client view until the job reaches the status.
func waitForStatus(t *testing.T, client *Client, id, status string, timeout time.Duration) *jobqueue.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := client.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob failed with %v", err)
		}
		if job.Status == status {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %q, want %q", id, job.Status, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerStartStop(t *testing.T) {
	b, _ := newTestClient(t)
	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		return nil
	}, testWorkerConfig())

	if w.IsRunning() {
		t.Fatal("expected a fresh worker not to be running")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	if !w.IsRunning() {
		t.Fatal("expected the worker to be running")
	}
	if err := w.Start(); err == nil {
		t.Fatal("expected a second Start to fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	if w.IsRunning() {
		t.Fatal("expected the worker to be stopped")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
}

func TestWorkerJobSuccess(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	completed := make(chan string, 1)
	cfg := testWorkerConfig()
	cfg.Events = &jobqueue.Events{
		JobCompleted: func(jobID string, metadata map[string]interface{}) {
			completed <- jobID
		},
	}
	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		var payload map[string]int
		if err := json.Unmarshal(jc.Job().Data, &payload); err != nil {
			return err
		}
		if payload["n"] != 1 {
			return jobqueue.Permanent(errors.New("unexpected payload"))
		}
		return nil
	}, cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := client.Enqueue(ctx, "q", map[string]int{"n": 1}, nil)
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job := waitForStatus(t, client, id, jobqueue.Completed, 5*time.Second)
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	select {
	case got := <-completed:
		if got != id {
			t.Fatalf("JobCompleted fired for %q, want %q", got, id)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("JobCompleted event did not fire")
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	failed := make(chan string, 1)
	cfg := testWorkerConfig()
	cfg.Events = &jobqueue.Events{
		JobFailed: func(jobID, errMsg string, metadata map[string]interface{}) {
			failed <- errMsg
		},
	}
	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		return errors.New("flaky downstream")
	}, cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := client.Enqueue(ctx, "q", nil, &jobqueue.EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job := waitForStatus(t, client, id, jobqueue.Failed, 5*time.Second)
	if have, want := job.Attempts, 2; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	select {
	case <-failed:
	case <-time.After(1 * time.Second):
		t.Fatal("JobFailed event did not fire")
	}
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		return jobqueue.Permanent(errors.New("malformed input"))
	}, testWorkerConfig())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := client.Enqueue(ctx, "q", nil, &jobqueue.EnqueueOptions{MaxAttempts: 5})
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job := waitForStatus(t, client, id, jobqueue.Failed, 5*time.Second)
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d (permanent errors must not retry)", have, want)
	}
}

func TestWorkerRateLimitDoesNotChargeAttempt(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	first := make(chan struct{}, 1)
	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		select {
		case first <- struct{}{}:
			return jobqueue.RateLimited(errors.New("429"), 20*time.Millisecond)
		default:
			return nil
		}
	}, testWorkerConfig())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	// MaxAttempts 1: if the throttled run were charged, the retry could
	// never run.
	id, err := client.Enqueue(ctx, "q", nil, &jobqueue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job := waitForStatus(t, client, id, jobqueue.Completed, 5*time.Second)
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
}

func TestWorkerStageLifecycle(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		if err := jc.StartStage(ctx, "download"); err != nil {
			return err
		}
		if err := jc.CompleteStage(ctx, "download", map[string]string{"url": "s3://b/k"}); err != nil {
			return err
		}
		if err := jc.AddStages(ctx, []string{"publish"}); err != nil {
			return err
		}
		if err := jc.StartStage(ctx, "publish"); err != nil {
			return err
		}
		return jc.CompleteStage(ctx, "publish", nil)
	}, testWorkerConfig())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := client.Enqueue(ctx, "q", nil, &jobqueue.EnqueueOptions{Stages: []string{"download"}})
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job := waitForStatus(t, client, id, jobqueue.Completed, 5*time.Second)
	if have, want := len(job.Stages), 2; have != want {
		t.Fatalf("len(Stages) = %d, want %d", have, want)
	}
	for _, st := range job.Stages {
		if have, want := st.Status, jobqueue.StageCompleted; have != want {
			t.Fatalf("stage %s: Status = %q, want %q", st.Name, have, want)
		}
	}
	if have, want := string(job.Stages[0].Artifacts), `{"url":"s3://b/k"}`; have != want {
		t.Fatalf("Artifacts = %s, want %s", have, want)
	}
	if have, want := job.OverallProgress, 100; have != want {
		t.Fatalf("OverallProgress = %d, want %d", have, want)
	}
}

func TestWorkerFailStageKeepsJobRunning(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	w := NewWorker(b, "q", func(ctx context.Context, jc jobqueue.JobContext) error {
		if err := jc.StartStage(ctx, "a"); err != nil {
			return err
		}
		if err := jc.FailStage(ctx, "a", errors.New("partial failure")); err != nil {
			return err
		}
		if err := jc.StartStage(ctx, "b"); err != nil {
			return err
		}
		return jc.CompleteStage(ctx, "b", nil)
	}, testWorkerConfig())
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := client.Enqueue(ctx, "q", nil, &jobqueue.EnqueueOptions{Stages: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job := waitForStatus(t, client, id, jobqueue.Completed, 5*time.Second)
	if have, want := job.Stages[0].Status, jobqueue.StageFailed; have != want {
		t.Fatalf("Stages[0].Status = %q, want %q", have, want)
	}
	if have, want := job.Stages[0].Error, "partial failure"; have != want {
		t.Fatalf("Stages[0].Error = %q, want %q", have, want)
	}
	if have, want := job.Stages[1].Status, jobqueue.StageCompleted; have != want {
		t.Fatalf("Stages[1].Status = %q, want %q", have, want)
	}
}

func TestTwoWorkersShareOneBroker(t *testing.T) {
	b, client := newTestClient(t)
	ctx := context.Background()

	doneA := make(chan struct{}, 1)
	doneB := make(chan struct{}, 1)
	wa := NewWorker(b, "a", func(ctx context.Context, jc jobqueue.JobContext) error {
		doneA <- struct{}{}
		return nil
	}, testWorkerConfig())
	wb := NewWorker(b, "b", func(ctx context.Context, jc jobqueue.JobContext) error {
		doneB <- struct{}{}
		return nil
	}, testWorkerConfig())
	if err := wa.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	if err := wb.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	if _, err := client.Enqueue(ctx, "a", nil, nil); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if _, err := client.Enqueue(ctx, "b", nil, nil); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	for i, done := range []chan struct{}{doneA, doneB} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("worker #%d did not process its job", i)
		}
	}

	// Stopping one worker must keep the shared broker alive for the other.
	if err := wa.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	if _, err := client.Enqueue(ctx, "b", nil, nil); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case <-doneB:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the remaining worker to keep processing")
	}
	if err := wb.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
}
