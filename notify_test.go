// Copyright 2024-present Eclaire Labs. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See LICENSE.txt for details.

package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalNotifierWakesWaiter(t *testing.T) {
	n := NewLocalNotifier()
	woke := make(chan bool, 1)
	ready := make(chan struct{})

	go func() {
		close(ready)
		woke <- n.Wait(context.Background(), "q", 5*time.Second)
	}()
	<-ready
	time.Sleep(10 * time.Millisecond) // let the waiter register

	if err := n.Notify(context.Background(), "q"); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	select {
	case ok := <-woke:
		if !ok {
			t.Fatal("expected Wait to report a notification")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Wait did not wake up")
	}
}

func TestLocalNotifierWakesAllWaiters(t *testing.T) {
	n := NewLocalNotifier()
	const waiters = 5

	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- n.Wait(context.Background(), "q", 5*time.Second)
		}()
	}
	time.Sleep(10 * time.Millisecond)

	if err := n.Notify(context.Background(), "q"); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		if !ok {
			t.Fatal("expected every waiter to be woken")
		}
	}
}

func TestLocalNotifierTimeout(t *testing.T) {
	n := NewLocalNotifier()
	if n.Wait(context.Background(), "q", 20*time.Millisecond) {
		t.Fatal("expected Wait to time out")
	}
}

func TestLocalNotifierQueueIsolation(t *testing.T) {
	n := NewLocalNotifier()
	woke := make(chan bool, 1)
	go func() {
		woke <- n.Wait(context.Background(), "a", 100*time.Millisecond)
	}()
	time.Sleep(10 * time.Millisecond)

	// A notification for a different queue must not wake the waiter.
	if err := n.Notify(context.Background(), "b"); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	if <-woke {
		t.Fatal("expected a waiter on queue a to ignore queue b")
	}
}

func TestLocalNotifierContextCancel(t *testing.T) {
	n := NewLocalNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	woke := make(chan bool, 1)
	go func() {
		woke <- n.Wait(ctx, "q", 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case ok := <-woke:
		if ok {
			t.Fatal("expected a cancelled Wait to report false")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
}

func TestLocalNotifierDroppedNotification(t *testing.T) {
	n := NewLocalNotifier()
	// Nobody is waiting; the signal is dropped, not buffered.
	if err := n.Notify(context.Background(), "q"); err != nil {
		t.Fatalf("Notify failed with %v", err)
	}
	if n.Wait(context.Background(), "q", 20*time.Millisecond) {
		t.Fatal("expected no buffered notification")
	}
}
