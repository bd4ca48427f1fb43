// Package redisnotify wakes idle workers across processes through Redis
// pub/sub. It is an optimization layer only: workers fall back to their
// poll interval when a notification is dropped, so losing Redis degrades
// latency, never correctness.
package redisnotify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eclaire-labs/jobqueue"
)

const channelPrefix = "jobqueue:wake:"

// Notifier implements jobqueue.Notifier over Redis pub/sub. Each queue
// gets one subscription, created lazily on first Wait; local waiters are
// fanned out through an embedded LocalNotifier.
type Notifier struct {
	rdb    redis.UniversalClient
	local  *jobqueue.LocalNotifier
	logger jobqueue.Logger

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
}

// NotifierOption is an options provider for Notifier.
type NotifierOption func(*Notifier)

// SetLogger redirects the notifier's log output.
func SetLogger(logger jobqueue.Logger) NotifierOption {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a notifier on the given Redis client. The client is owned
// by the caller and not closed by Close.
func New(rdb redis.UniversalClient, options ...NotifierOption) *Notifier {
	n := &Notifier{
		rdb:    rdb,
		local:  jobqueue.NewLocalNotifier(),
		logger: jobqueue.StdLogger{},
		subs:   make(map[string]*redis.PubSub),
	}
	for _, opt := range options {
		opt(n)
	}
	return n
}

func channelName(queue string) string {
	return channelPrefix + queue
}

// Notify publishes a wake-up for the queue. Local waiters are woken
// directly so the producer's own workers do not depend on the Redis
// round-trip.
func (n *Notifier) Notify(ctx context.Context, queue string) error {
	_ = n.local.Notify(ctx, queue)
	return n.rdb.Publish(ctx, channelName(queue), "1").Err()
}

// Wait blocks until the queue is notified, the timeout elapses, or ctx is
// done. It reports whether a notification arrived.
func (n *Notifier) Wait(ctx context.Context, queue string, timeout time.Duration) bool {
	n.ensureSubscribed(queue)
	return n.local.Wait(ctx, queue, timeout)
}

// ensureSubscribed starts the pub/sub pump for a queue once.
func (n *Notifier) ensureSubscribed(queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if _, found := n.subs[queue]; found {
		return
	}
	sub := n.rdb.Subscribe(context.Background(), channelName(queue))
	n.subs[queue] = sub
	go n.pump(queue, sub)
}

// pump forwards Redis messages to local waiters until the subscription
// is closed.
func (n *Notifier) pump(queue string, sub *redis.PubSub) {
	ch := sub.Channel()
	for range ch {
		_ = n.local.Notify(context.Background(), queue)
	}
}

// Close tears down all subscriptions. The Redis client stays open.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	var first error
	for queue, sub := range n.subs {
		if err := sub.Close(); err != nil && first == nil {
			first = err
		}
		delete(n.subs, queue)
	}
	return first
}
