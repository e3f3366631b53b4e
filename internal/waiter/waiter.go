// Package waiter provides a one-shot, notification-driven condition wait.
package waiter

import (
	"context"
	"sync"
)

// Subscribe registers notify with some event source and returns a function
// that removes it again. notify may be called from any goroutine.
type Subscribe func(notify func()) (unsubscribe func())

// WaitUntil blocks until poll reports true.
//
// If poll is already true it returns without subscribing. Otherwise it
// subscribes and re-checks poll on every notification; the first time poll
// holds, the subscription is removed and WaitUntil returns nil. Cancelling
// ctx also removes the subscription and returns ctx.Err(). Notifications
// that arrive after return are dropped.
func WaitUntil(ctx context.Context, poll func() bool, subscribe Subscribe) error {
	if poll() {
		return nil
	}

	signal := make(chan struct{}, 1)
	unsubscribe := subscribe(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			if unsubscribe != nil {
				unsubscribe()
			}
		})
	}
	defer release()

	// The condition may have flipped between the first poll and subscribe.
	if poll() {
		return nil
	}

	for {
		select {
		case <-signal:
			if poll() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
