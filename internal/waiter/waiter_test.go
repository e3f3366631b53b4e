package waiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// source is a minimal multi-subscriber notifier used to drive WaitUntil.
type source struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func()
	subbed atomic.Int32
	unsub  atomic.Int32
}

func newSource() *source { return &source{subs: make(map[int]func())} }

func (s *source) subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.subbed.Add(1)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		s.unsub.Add(1)
	}
}

func (s *source) fire() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *source) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func TestWaitUntilAlreadyTrue(t *testing.T) {
	src := newSource()
	if err := WaitUntil(context.Background(), func() bool { return true }, src.subscribe); err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
	if src.subbed.Load() != 0 {
		t.Fatalf("expected no subscription when condition already holds")
	}
}

func TestWaitUntilResolvesOnQualifyingNotification(t *testing.T) {
	src := newSource()
	var state atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- WaitUntil(context.Background(), func() bool { return state.Load() == 2 }, src.subscribe)
	}()

	waitFor(t, func() bool { return src.live() == 1 })

	// A notification for which poll is still false must not resolve.
	state.Store(1)
	src.fire()
	select {
	case err := <-done:
		t.Fatalf("resolved early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	state.Store(2)
	src.fire()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitUntil: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution")
	}

	if src.live() != 0 {
		t.Fatalf("dangling subscription: %d live", src.live())
	}
	if src.unsub.Load() != 1 {
		t.Fatalf("unsubscribe called %d times, want 1", src.unsub.Load())
	}

	// Late notifications are harmless.
	src.fire()
}

func TestWaitUntilRechecksAfterSubscribe(t *testing.T) {
	var ready atomic.Bool
	polls := 0
	poll := func() bool {
		polls++
		return ready.Load()
	}
	// The condition flips while subscribing and no notification ever fires.
	subscribe := func(func()) func() {
		ready.Store(true)
		return func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitUntil(ctx, poll, subscribe); err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
	if polls != 2 {
		t.Fatalf("polls = %d, want 2", polls)
	}
}

func TestWaitUntilContextCancelUnsubscribes(t *testing.T) {
	src := newSource()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- WaitUntil(ctx, func() bool { return false }, src.subscribe)
	}()

	waitFor(t, func() bool { return src.live() == 1 })
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
	if src.live() != 0 {
		t.Fatalf("dangling subscription after cancel")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
