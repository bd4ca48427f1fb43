package membroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eclaire-labs/jobqueue"
)

const defaultMaxAttempts = 3

// Client enqueues and manages jobs on an embedded broker. It implements
// jobqueue.Client.
type Client struct {
	broker *Broker
	logger jobqueue.Logger
}

// ClientOption is an options provider for Client.
type ClientOption func(*Client)

// SetClientLogger redirects the client's log output.
func SetClientLogger(logger jobqueue.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client on the given broker.
func NewClient(broker *Broker, options ...ClientOption) *Client {
	c := &Client{broker: broker, logger: broker.logger}
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
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("membroker: marshal job data: %w", err)
		}
		return raw, nil
	}
}

// buildPayload assembles the broker payload, smuggling key, stages, and
// metadata under reserved keys.
func buildPayload(data json.RawMessage, opts *jobqueue.EnqueueOptions) map[string]interface{} {
	p := make(map[string]interface{})
	if len(data) > 0 {
		p[payloadData] = string(data)
	}
	if opts == nil {
		return p
	}
	if opts.Key != "" {
		p[payloadKey] = opts.Key
	}
	if len(opts.Stages) > 0 {
		encodeStages(p, jobqueue.InitStages(opts.Stages))
	}
	if len(opts.Metadata) > 0 {
		if raw, err := json.Marshal(opts.Metadata); err == nil {
			p[payloadMetadata] = string(raw)
		}
	}
	return p
}

func availableAt(opts *jobqueue.EnqueueOptions) int64 {
	if opts == nil {
		return 0
	}
	if !opts.RunAt.IsZero() {
		return opts.RunAt.UnixMilli()
	}
	if opts.Delay > 0 {
		return time.Now().UnixMilli() + opts.Delay.Milliseconds()
	}
	return 0
}

// Enqueue adds a job to a queue. Keyed enqueues deduplicate against live
// jobs with the same key in the same queue; see jobqueue.EnqueueOptions
// for the replace modes.
func (c *Client) Enqueue(ctx context.Context, queue string, data interface{}, opts *jobqueue.EnqueueOptions) (string, error) {
	if queue == "" {
		return "", errors.New("membroker: no queue specified")
	}
	raw, err := marshalData(data)
	if err != nil {
		return "", err
	}
	payload := buildPayload(raw, opts)
	priority := 0
	maxAttempts := defaultMaxAttempts
	key := ""
	replace := jobqueue.ReplaceLastWins
	if opts != nil {
		priority = opts.Priority
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
		key = opts.Key
		replace = opts.Replace
	}
	job := &Job{
		Topic:       queue,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		AvailableAt: availableAt(opts),
	}
	if key == "" {
		return c.broker.Enqueue(job), nil
	}

	// Keyed: one atomic find-and-replace under the broker lock. The
	// default mode is last-wins and overwrites even mid-run; an active
	// run turns stale and its outcome is discarded.
	id, err := c.broker.EnqueueKeyed(job, func(j *Job) bool {
		return payloadString(j.Payload, payloadKey) == key
	}, replace == jobqueue.ReplaceIfNotActive)
	if errors.Is(err, ErrJobActive) {
		return "", jobqueue.ErrJobAlreadyActive
	}
	return id, err
}

// resolve finds a job by id first, then by key across queues.
func (c *Client) resolve(idOrKey string) *Job {
	if j, found := c.broker.Get(idOrKey); found {
		return j
	}
	var match *Job
	c.broker.Each(func(j *Job) {
		if match == nil && payloadString(j.Payload, payloadKey) == idOrKey {
			match = j.clone()
		}
	})
	return match
}

// Cancel fails a job that has not started running. Active and terminal
// jobs are not cancellable.
func (c *Client) Cancel(ctx context.Context, idOrKey string) (bool, error) {
	j := c.resolve(idOrKey)
	if j == nil {
		return false, nil
	}
	return c.broker.FailQueued(j.ID, "Cancelled"), nil
}

// Retry requeues a failed job with a fresh attempt budget.
func (c *Client) Retry(ctx context.Context, idOrKey string) (bool, error) {
	j := c.resolve(idOrKey)
	if j == nil {
		return false, nil
	}
	return c.broker.RequeueFailed(j.ID), nil
}

// GetJob returns the shared job view by id or key.
func (c *Client) GetJob(ctx context.Context, idOrKey string) (*jobqueue.Job, error) {
	j := c.resolve(idOrKey)
	if j == nil {
		return nil, jobqueue.ErrNotFound
	}
	return translate(j), nil
}

// Stats counts jobs per status, optionally restricted to one queue.
func (c *Client) Stats(ctx context.Context, queue string) (*jobqueue.Stats, error) {
	var st jobqueue.Stats
	c.broker.Each(func(j *Job) {
		if queue != "" && j.Topic != queue {
			return
		}
		switch translateState(j.State, j.Attempts) {
		case jobqueue.Pending:
			st.Pending++
		case jobqueue.RetryPending:
			st.RetryPending++
		case jobqueue.Processing:
			st.Processing++
		case jobqueue.Completed:
			st.Completed++
		case jobqueue.Failed:
			st.Failed++
		}
	})
	return &st, nil
}

// ListJobs returns the shared view of jobs, newest updates first.
func (c *Client) ListJobs(ctx context.Context, req *jobqueue.ListRequest) ([]*jobqueue.Job, error) {
	if req == nil {
		req = &jobqueue.ListRequest{}
	}
	var jobs []*jobqueue.Job
	c.broker.Each(func(j *Job) {
		if req.Queue != "" && j.Topic != req.Queue {
			return
		}
		view := translate(j)
		if req.Status != "" && view.Status != req.Status {
			return
		}
		jobs = append(jobs, view)
	})
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Updated > jobs[k].Updated })
	if req.Offset > 0 {
		if req.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[req.Offset:]
	}
	if req.Limit > 0 && len(jobs) > req.Limit {
		jobs = jobs[:req.Limit]
	}
	return jobs, nil
}

// Close releases client resources. The broker itself is owned by whoever
// created it.
func (c *Client) Close() error {
	return nil
}
