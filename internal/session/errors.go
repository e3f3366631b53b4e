package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned by Start while a negotiation is in flight,
	// connected, or still inside its stop grace period.
	ErrSessionActive = errors.New("session already active")

	// ErrSessionStopped is returned by Start when Stop was called before the
	// negotiation finished. Nothing was applied to the released peer.
	ErrSessionStopped = errors.New("session stopped during negotiation")

	// ErrNoSink is returned by Start when no display sink is registered for
	// the requested backend.
	ErrNoSink = errors.New("no display sink for backend")
)

// NegotiationError reports the step at which a negotiation failed. Transport
// failures keep their *signaling.TransportError in the chain.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
