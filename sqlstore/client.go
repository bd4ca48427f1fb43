package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eclaire-labs/jobqueue"
)

const defaultMaxAttempts = 3

// Client implements jobqueue.Client on the relational store.
type Client struct {
	store    *Store
	notifier jobqueue.Notifier
	logger   jobqueue.Logger
}

// ClientOption is an options provider for Client.
type ClientOption func(*Client)

// SetNotifier attaches a wake-up notifier fired after every successful
// enqueue.
func SetNotifier(n jobqueue.Notifier) ClientOption {
	return func(c *Client) {
		c.notifier = n
	}
}

// SetClientLogger redirects the client's log output.
func SetClientLogger(logger jobqueue.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client on top of the store.
func NewClient(store *Store, options ...ClientOption) *Client {
	c := &Client{
		store:  store,
		logger: store.logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func marshalData(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: marshal job data: %w", err)
		}
		return raw, nil
	}
}

// buildJob renders an enqueue call into a fresh pending job row.
func buildJob(queue string, data interface{}, opts *jobqueue.EnqueueOptions) (*jobqueue.Job, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	now := nowMillis()
	j := &jobqueue.Job{
		ID:          jobqueue.NewJobID(),
		Queue:       queue,
		Key:         opts.Key,
		Data:        raw,
		Status:      jobqueue.Pending,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		Metadata:    opts.Metadata,
		Created:     now,
		Updated:     now,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = defaultMaxAttempts
	}
	if j.Backoff.Type == "" {
		j.Backoff.Type = jobqueue.BackoffExponential
	}
	if j.Backoff.Delay <= 0 {
		j.Backoff.Delay = jobqueue.DefaultBackoffDelay
	}
	// An absolute run time wins over a relative delay.
	if !opts.RunAt.IsZero() {
		j.ScheduledFor = opts.RunAt.UnixMilli()
	} else if opts.Delay > 0 {
		j.ScheduledFor = now + opts.Delay.Milliseconds()
	}
	if len(opts.Stages) > 0 {
		j.Stages = jobqueue.InitStages(opts.Stages)
	}
	return j, nil
}

// Enqueue creates a job and returns its id. With a key, the default mode
// is an unconditional last-enqueue-wins upsert; ReplaceIfNotActive
// refuses to clobber a processing job with ErrJobAlreadyActive.
func (c *Client) Enqueue(ctx context.Context, queue string, data interface{}, opts *jobqueue.EnqueueOptions) (string, error) {
	if queue == "" {
		return "", errors.New("sqlstore: no queue specified")
	}
	if opts == nil {
		opts = &jobqueue.EnqueueOptions{}
	}
	job, err := buildJob(queue, data, opts)
	if err != nil {
		return "", err
	}

	var id string
	switch {
	case opts.Key == "":
		err = c.store.InsertJob(ctx, job)
		id = job.ID
	case opts.Replace == jobqueue.ReplaceIfNotActive:
		id, err = c.enqueueIfNotActive(ctx, job)
	default:
		id, err = c.enqueueLastWins(ctx, job)
	}
	if err != nil {
		return "", err
	}

	// Best-effort wake-up; a failed notification never fails the enqueue.
	if c.notifier != nil {
		if nerr := c.notifier.Notify(ctx, queue); nerr != nil {
			c.logger.Printf("sqlstore: notify queue %q: %v", queue, nerr)
		}
	}
	return id, nil
}

func (c *Client) enqueueLastWins(ctx context.Context, job *jobqueue.Job) (string, error) {
	if err := c.store.UpsertJob(ctx, job); err != nil {
		return "", err
	}
	// On conflict the existing row keeps its id; read it back by key.
	existing, err := c.store.GetJobByKey(ctx, job.Queue, job.Key)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

func (c *Client) enqueueIfNotActive(ctx context.Context, job *jobqueue.Job) (string, error) {
	// Fast path: reset a keyed job that has not started yet.
	matched, err := c.store.ResetInactiveByKey(ctx, job)
	if err != nil {
		return "", err
	}
	if matched {
		existing, err := c.store.GetJobByKey(ctx, job.Queue, job.Key)
		if err != nil {
			return "", err
		}
		return existing.ID, nil
	}

	existing, err := c.store.GetJobByKey(ctx, job.Queue, job.Key)
	if errors.Is(err, jobqueue.ErrNotFound) {
		if err := c.store.InsertJob(ctx, job); err != nil {
			return "", err
		}
		return job.ID, nil
	}
	if err != nil {
		return "", err
	}
	if existing.Status == jobqueue.Processing {
		return "", jobqueue.ErrJobAlreadyActive
	}
	// Terminal row: delete it and start a fresh run under the same key.
	if err := c.store.ReplaceTerminalByKey(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Cancel transitions a pending or retry_pending job to failed. Processing
// jobs are not cancellable; there is no forced-interrupt mechanism.
func (c *Client) Cancel(ctx context.Context, idOrKey string) (bool, error) {
	return c.store.CancelJob(ctx, idOrKey)
}

// Retry resets a failed job to pending with zero attempts.
func (c *Client) Retry(ctx context.Context, idOrKey string) (bool, error) {
	return c.store.RetryJob(ctx, idOrKey)
}

// GetJob returns a job by id or key, or ErrNotFound.
func (c *Client) GetJob(ctx context.Context, idOrKey string) (*jobqueue.Job, error) {
	return c.store.GetJob(ctx, idOrKey)
}

// Stats returns grouped counts by status; an empty queue means global.
func (c *Client) Stats(ctx context.Context, queue string) (*jobqueue.Stats, error) {
	return c.store.Stats(ctx, queue)
}

// ListJobs returns jobs matching the request, most recently updated first.
func (c *Client) ListJobs(ctx context.Context, req *jobqueue.ListRequest) ([]*jobqueue.Job, error) {
	return c.store.ListJobs(ctx, req)
}

// Close closes the underlying store.
func (c *Client) Close() error {
	return c.store.Close()
}
