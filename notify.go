// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"context"
	"sync"
	"time"
)

// Notifier wakes idle workers when new jobs become available on a queue.
// It is purely a latency optimization: notifications may be dropped, so
// workers bound every wait with a timeout and fall back to polling.
type Notifier interface {
	// Notify signals that jobs may be available on the queue.
	Notify(ctx context.Context, queue string) error

	// Wait blocks until a notification for the queue arrives, the timeout
	// elapses, or ctx is cancelled. It reports whether a notification was
	// received.
	Wait(ctx context.Context, queue string, timeout time.Duration) bool
}

// LocalNotifier is an in-process Notifier. It keeps a waitlist of blocked
// workers per queue and wakes all of them on Notify.
type LocalNotifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewLocalNotifier creates a new LocalNotifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{
		waiters: make(map[string][]chan struct{}),
	}
}

// Notify wakes every worker currently waiting on the queue. Notifications
// are not buffered: if nobody is waiting, the signal is dropped, which is
// fine because waits are bounded.
func (n *LocalNotifier) Notify(ctx context.Context, queue string) error {
	n.mu.Lock()
	ws := n.waiters[queue]
	delete(n.waiters, queue)
	n.mu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
	return nil
}

// Wait blocks until Notify is called for the queue, the timeout elapses,
// or ctx is cancelled.
func (n *LocalNotifier) Wait(ctx context.Context, queue string, timeout time.Duration) bool {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[queue] = append(n.waiters[queue], ch)
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		ws := n.waiters[queue]
		for i := range ws {
			if ws[i] == ch {
				n.waiters[queue] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
