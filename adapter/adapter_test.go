package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(&Config{Driver: "bogus"}); err == nil {
		t.Fatal("expected New to reject an unknown driver")
	}
}

func TestMemoryQueueRoundTrip(t *testing.T) {
	q, err := New(&Config{Driver: DriverMemory}, SetLogger(jobqueue.NopLogger{}))
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	done := make(chan string, 1)
	w := q.NewWorker("q", func(ctx context.Context, jc jobqueue.JobContext) error {
		done <- jc.Job().ID
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := q.Client().Enqueue(ctx, "q", map[string]int{"n": 1}, nil)
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case got := <-done:
		if got != id {
			t.Fatalf("handler ran job %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := q.Client().GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob failed with %v", err)
		}
		if job.Status == jobqueue.Completed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryQueueScheduler(t *testing.T) {
	q, err := New(&Config{Driver: DriverMemory}, SetLogger(jobqueue.NopLogger{}))
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	key, err := q.Scheduler().Upsert(ctx, &jobqueue.ScheduleConfig{
		Key:   "nightly",
		Queue: "q",
		Cron:  "0 0 * * *",
	})
	if err != nil {
		t.Fatalf("Upsert failed with %v", err)
	}
	sched, err := q.Scheduler().Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed with %v", err)
	}
	if !sched.Enabled {
		t.Fatal("expected the schedule to be enabled")
	}
}

func TestEventsReachWorkers(t *testing.T) {
	completed := make(chan string, 1)
	q, err := New(&Config{Driver: DriverMemory},
		SetLogger(jobqueue.NopLogger{}),
		SetEvents(&jobqueue.Events{
			JobCompleted: func(jobID string, metadata map[string]interface{}) {
				completed <- jobID
			},
		}),
	)
	if err != nil {
		t.Fatalf("New failed with %v", err)
	}
	defer q.Close()

	w := q.NewWorker("q", func(ctx context.Context, jc jobqueue.JobContext) error {
		return nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer w.Stop()

	id, err := q.Client().Enqueue(context.Background(), "q", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case got := <-completed:
		if got != id {
			t.Fatalf("JobCompleted fired for %q, want %q", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("JobCompleted event did not fire")
	}
}
