package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

func enqueueTest(t *testing.T, c *Client, queue string, opts *jobqueue.EnqueueOptions) string {
	t.Helper()
	id, err := c.Enqueue(context.Background(), queue, map[string]int{"n": 1}, opts)
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	return id
}

func TestClaimEmptyQueue(t *testing.T) {
	store := openTestStore(t)
	job, err := store.Claim(context.Background(), "q", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, have %v", job)
	}
}

func TestClaimChargesExactlyOneAttempt(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()
	id := enqueueTest(t, client, "q", nil)

	job, err := store.Claim(ctx, "q", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if have, want := job.ID, id; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
	if have, want := job.Status, jobqueue.Processing; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := job.LockedBy, "w1"; have != want {
		t.Fatalf("LockedBy = %q, want %q", have, want)
	}
	if job.LockToken == "" {
		t.Fatal("expected a fencing token")
	}
	if job.ExpiresAt <= nowMillis() {
		t.Fatal("expected the lock expiry in the future")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	enqueueTest(t, client, "q", nil)

	const claimers = 10
	var wg sync.WaitGroup
	claimed := make(chan *jobqueue.Job, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := store.Claim(context.Background(), "q", jobqueue.NewJobID(), time.Minute)
			if err != nil {
				t.Errorf("Claim failed with %v", err)
				return
			}
			if job != nil {
				claimed <- job
			}
		}(i)
	}
	wg.Wait()
	close(claimed)

	var n int
	for range claimed {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 claim to win, have %d", n)
	}
}

func TestClaimRespectsScheduledFor(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()
	enqueueTest(t, client, "q", &jobqueue.EnqueueOptions{Delay: time.Hour})

	job, err := store.Claim(ctx, "q", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if job != nil {
		t.Fatal("expected a delayed job not to be claimable yet")
	}
}

func TestClaimQueueIsolation(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	enqueueTest(t, client, "a", nil)

	job, err := store.Claim(context.Background(), "b", "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if job != nil {
		t.Fatal("expected no job on queue b")
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	low1 := enqueueTest(t, client, "q", &jobqueue.EnqueueOptions{Priority: 0})
	time.Sleep(2 * time.Millisecond) // distinct created timestamps
	low2 := enqueueTest(t, client, "q", &jobqueue.EnqueueOptions{Priority: 0})
	time.Sleep(2 * time.Millisecond)
	high := enqueueTest(t, client, "q", &jobqueue.EnqueueOptions{Priority: 5})

	var order []string
	for i := 0; i < 3; i++ {
		job, err := store.Claim(ctx, "q", "w1", time.Minute)
		if err != nil {
			t.Fatalf("Claim failed with %v", err)
		}
		if job == nil {
			t.Fatalf("claim #%d found no job", i)
		}
		order = append(order, job.ID)
	}
	if want := []string{high, low1, low2}; order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("claim order = %v, want %v", order, want)
	}
}

func TestClaimRecoversStalledJobFirst(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	stalled := enqueueTest(t, client, "q", nil)
	// Claim with an already-expired lock to simulate a crashed worker.
	if job, err := store.Claim(ctx, "q", "w1", -time.Second); err != nil || job == nil {
		t.Fatalf("Claim failed with job=%v err=%v", job, err)
	}
	enqueueTest(t, client, "q", &jobqueue.EnqueueOptions{Priority: 100})

	job, err := store.Claim(ctx, "q", "w2", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	// The stalled job wins despite the fresh job's higher priority.
	if have, want := job.ID, stalled; have != want {
		t.Fatalf("ID = %q, want the stalled job %q", have, want)
	}
	if have, want := job.Attempts, 2; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
}

func TestClaimSkipsExhaustedStalledJob(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	enqueueTest(t, client, "q", &jobqueue.EnqueueOptions{MaxAttempts: 1})
	if job, err := store.Claim(ctx, "q", "w1", -time.Second); err != nil || job == nil {
		t.Fatalf("Claim failed with job=%v err=%v", job, err)
	}

	// The lock expired but the attempt budget is spent.
	job, err := store.Claim(ctx, "q", "w2", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed with %v", err)
	}
	if job != nil {
		t.Fatal("expected an exhausted stalled job not to be reclaimed")
	}
}

func TestFencingTokenInvalidatesStaleOwner(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	enqueueTest(t, client, "q", nil)
	first, err := store.Claim(ctx, "q", "w1", -time.Second)
	if err != nil || first == nil {
		t.Fatalf("Claim failed with job=%v err=%v", first, err)
	}

	second, err := store.Claim(ctx, "q", "w2", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("Claim failed with job=%v err=%v", second, err)
	}
	if first.LockToken == second.LockToken {
		t.Fatal("expected the reclaim to rotate the fencing token")
	}

	// The stale owner's write affects zero rows.
	matched, err := store.MarkCompleted(ctx, first.ID, "w1", first.LockToken)
	if err != nil {
		t.Fatalf("MarkCompleted failed with %v", err)
	}
	if matched {
		t.Fatal("expected the stale owner to have lost the lock")
	}

	// The current owner's write goes through.
	matched, err = store.MarkCompleted(ctx, second.ID, "w2", second.LockToken)
	if err != nil {
		t.Fatalf("MarkCompleted failed with %v", err)
	}
	if !matched {
		t.Fatal("expected the current owner to hold the lock")
	}
}

func TestExtendLock(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	enqueueTest(t, client, "q", nil)
	job, err := store.Claim(ctx, "q", "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim failed with job=%v err=%v", job, err)
	}

	matched, err := store.ExtendLock(ctx, job.ID, "w1", job.LockToken, time.Hour)
	if err != nil {
		t.Fatalf("ExtendLock failed with %v", err)
	}
	if !matched {
		t.Fatal("expected ExtendLock to match")
	}
	got, err := store.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed with %v", err)
	}
	if got.ExpiresAt <= job.ExpiresAt {
		t.Fatal("expected the lock expiry to move forward")
	}

	// A wrong token never extends.
	matched, err = store.ExtendLock(ctx, job.ID, "w1", "bogus", time.Hour)
	if err != nil {
		t.Fatalf("ExtendLock failed with %v", err)
	}
	if matched {
		t.Fatal("expected a wrong token not to match")
	}
}

func TestMarkRateLimitedRefundsAttempt(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	enqueueTest(t, client, "q", nil)
	job, err := store.Claim(ctx, "q", "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim failed with job=%v err=%v", job, err)
	}
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}

	resumeAt := nowMillis() + time.Hour.Milliseconds()
	matched, err := store.MarkRateLimited(ctx, job.ID, "w1", job.LockToken, resumeAt)
	if err != nil {
		t.Fatalf("MarkRateLimited failed with %v", err)
	}
	if !matched {
		t.Fatal("expected MarkRateLimited to match")
	}

	got, err := store.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed with %v", err)
	}
	if have, want := got.Status, jobqueue.Pending; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 0; have != want {
		t.Fatalf("Attempts = %d, want %d (rate limit must refund the claim's charge)", have, want)
	}
	if have, want := got.ScheduledFor, resumeAt; have != want {
		t.Fatalf("ScheduledFor = %d, want %d", have, want)
	}
	if got.LockToken != "" || got.LockedBy != "" {
		t.Fatal("expected the lock to be released")
	}
}

func TestMarkRetryPendingKeepsAttemptCharged(t *testing.T) {
	store := openTestStore(t)
	client := NewClient(store)
	ctx := context.Background()

	enqueueTest(t, client, "q", nil)
	job, err := store.Claim(ctx, "q", "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim failed with job=%v err=%v", job, err)
	}

	matched, err := store.MarkRetryPending(ctx, job.ID, "w1", job.LockToken, nowMillis()+1000, "boom")
	if err != nil || !matched {
		t.Fatalf("MarkRetryPending failed with matched=%t err=%v", matched, err)
	}

	got, err := store.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed with %v", err)
	}
	if have, want := got.Status, jobqueue.RetryPending; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}
	if have, want := got.Attempts, 1; have != want {
		t.Fatalf("Attempts = %d, want %d", have, want)
	}
	if have, want := got.ErrorMessage, "boom"; have != want {
		t.Fatalf("ErrorMessage = %q, want %q", have, want)
	}
}
