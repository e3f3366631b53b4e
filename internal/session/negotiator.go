// Package session drives one WebRTC viewing session: it builds a recv-only
// offer, waits for ICE gathering to complete, exchanges the offer for an
// answer over HTTP and applies it, and tears the peer down after a grace
// delay on Stop.
//
// A Negotiator is an explicit object owned by its creator. Every step of a
// negotiation runs after the previous one finished and first checks that its
// generation is still current, so a Stop that lands mid-negotiation turns
// every later step into a no-op instead of racing it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/signaling"
	"github.com/1ureka/teleview/internal/transport"
	"github.com/1ureka/teleview/internal/util"
	"github.com/1ureka/teleview/internal/waiter"
)

// DefaultGraceDelay lets the sink consume the last inbound media before the
// peer is released.
const DefaultGraceDelay = 500 * time.Millisecond

// Peer is the connection handle a Negotiator owns. *transport.Peer
// implements it.
type Peer interface {
	AddRecvOnlyVideo() error
	OnTrack(fn func(transport.Track))
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	ICEGatheringState() webrtc.ICEGatheringState
	OnICEGatheringStateChange(fn func(webrtc.ICEGatheringState)) (unsubscribe func())
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	Close() error
}

// PeerFactory acquires a new connection handle.
type PeerFactory func() (Peer, error)

// NewPeerFactory returns a PeerFactory creating transport peers on api.
func NewPeerFactory(api *webrtc.API, iceServers []webrtc.ICEServer) PeerFactory {
	return func() (Peer, error) {
		p, err := transport.NewPeer(api, iceServers)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Exchanger trades an offer for an answer. *signaling.Client implements it.
type Exchanger interface {
	Exchange(ctx context.Context, backend string, offer signaling.Message) (signaling.Message, error)
}

// Config wires a Negotiator to its collaborators.
type Config struct {
	NewPeer    PeerFactory
	Signaling  Exchanger
	Sinks      Sinks
	Clock      clock.Clock   // defaults to the wall clock
	GraceDelay time.Duration // defaults to DefaultGraceDelay when zero
}

// Snapshot is the observable view of a Negotiator.
type Snapshot struct {
	ID      string
	State   State
	Backend string
	Track   transport.Track // latest forwarded video track, nil if none
	Err     error           // cause of the last failure, nil unless FAILED
}

// Negotiator owns at most one Peer at a time.
type Negotiator struct {
	id  string
	log util.Scope
	cfg Config

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped by Start and Stop; stale continuations compare against it
	peer      Peer
	cancel    context.CancelFunc
	backend   string
	track     transport.Track
	err       error
	stopDone  chan struct{}
	acquiring chan struct{} // closed once the in-flight NewPeer result is adopted or released

	observers []func(State)
	notifying bool  // an emit is delivering to observers
	notified  State // last state handed to observers
}

// NewNegotiator validates cfg and returns an idle Negotiator.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	if cfg.NewPeer == nil {
		return nil, errors.New("session: NewPeer is required")
	}
	if cfg.Signaling == nil {
		return nil, errors.New("session: Signaling is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.GraceDelay == 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	id := uuid.NewString()
	return &Negotiator{
		id:    id,
		log:   util.Scope(id[:8]),
		cfg:      cfg,
		state:    StateIdle,
		notified: StateIdle,
	}, nil
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// ID returns the session identifier used in logs.
func (n *Negotiator) ID() string { return n.id }

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// CanStart reports whether Start would be accepted now.
func (n *Negotiator) CanStart() bool {
	return n.State().CanStart()
}

// Snapshot returns the current observable state.
func (n *Negotiator) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Snapshot{
		ID:      n.id,
		State:   n.state,
		Backend: n.backend,
		Track:   n.track,
		Err:     n.err,
	}
}

// OnStateChange registers fn to be called after every transition. fn runs
// outside the Negotiator's lock and may call back into it. Notifications are
// delivered one at a time and always carry the state current at delivery, so
// a transition racing a delivery is reported after it, never before.
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.mu.Lock()
	n.observers = append(n.observers, fn)
	n.mu.Unlock()
}

// emit delivers the current state to observers unless it was already
// delivered. A caller finding another delivery in progress leaves its state
// to that loop.
func (n *Negotiator) emit() {
	n.mu.Lock()
	if n.notifying {
		n.mu.Unlock()
		return
	}
	n.notifying = true
	for n.state != n.notified {
		state := n.state
		n.notified = state
		observers := append([]func(State){}, n.observers...)
		n.mu.Unlock()

		n.log.Debug("state → %s", state)
		for _, fn := range observers {
			fn(state)
		}

		n.mu.Lock()
	}
	n.notifying = false
	n.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

// Start negotiates a new session with backend and blocks until it is
// CONNECTED or has failed. It is rejected with ErrSessionActive unless the
// session is IDLE, FAILED or CLOSED. On failure the session is FAILED, the
// peer has been released, and the error is a *NegotiationError. If Stop is
// called meanwhile, Start returns ErrSessionStopped.
func (n *Negotiator) Start(ctx context.Context, backend string) error {
	sink := n.cfg.Sinks[backend]
	if sink == nil {
		return fmt.Errorf("%w %q", ErrNoSink, backend)
	}

	n.mu.Lock()
	if !n.state.CanStart() {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrSessionActive, state)
	}
	n.gen++
	gen := n.gen
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.state = StateNegotiating
	n.backend = backend
	n.track = nil
	n.err = nil
	acquiring := make(chan struct{})
	n.acquiring = acquiring
	n.mu.Unlock()
	defer cancel()

	n.log.Info("negotiating with backend %q", backend)
	n.emit()

	err := n.negotiate(ctx, gen, acquiring, backend, sink)
	switch {
	case err == nil:
		n.log.Success("connected to backend %q", backend)
		return nil
	case errors.Is(err, ErrSessionStopped):
		n.log.Info("negotiation abandoned: session stopped")
		return err
	default:
		if !n.fail(gen, err) {
			return ErrSessionStopped
		}
		return err
	}
}

// negotiate runs the offer → gather → exchange → answer sequence. acquiring
// is closed once the new peer is either adopted or released; a Stop that
// lands before then waits on it.
func (n *Negotiator) negotiate(ctx context.Context, gen uint64, acquiring chan struct{}, backend string, sink TrackSink) error {
	peer, err := n.cfg.NewPeer()
	adopted := err == nil && n.adopt(gen, peer)
	if err == nil && !adopted {
		// Never published, so the stop path cannot release it.
		_ = peer.Close()
	}
	close(acquiring)
	if err != nil {
		return &NegotiationError{Step: "create peer", Err: err}
	}
	if !adopted {
		return ErrSessionStopped
	}

	if err := peer.AddRecvOnlyVideo(); err != nil {
		return &NegotiationError{Step: "add transceiver", Err: err}
	}
	if !n.current(gen) {
		return ErrSessionStopped
	}

	peer.OnTrack(func(track transport.Track) {
		if !isVideo(track) {
			n.log.Debug("ignoring %s track %s", track.Kind(), track.ID())
			return
		}
		if !n.setTrack(gen, track) {
			return
		}
		sink.HandleTrack(track)
	})

	if !n.current(gen) {
		return ErrSessionStopped
	}
	offer, err := peer.CreateOffer()
	if err != nil {
		return &NegotiationError{Step: "create offer", Err: err}
	}
	if !n.current(gen) {
		return ErrSessionStopped
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Step: "set local description", Err: err}
	}

	if !n.advance(gen, StateNegotiating, StateGatheringICE) {
		return ErrSessionStopped
	}

	err = waiter.WaitUntil(ctx,
		func() bool { return peer.ICEGatheringState() == webrtc.ICEGatheringStateComplete },
		func(notify func()) func() {
			return peer.OnICEGatheringStateChange(func(webrtc.ICEGatheringState) { notify() })
		},
	)
	if err != nil {
		if !n.current(gen) {
			return ErrSessionStopped
		}
		return &NegotiationError{Step: "gather candidates", Err: err}
	}

	local := peer.LocalDescription()
	if local == nil {
		return &NegotiationError{Step: "gather candidates", Err: errors.New("missing local description")}
	}

	if !n.advance(gen, StateGatheringICE, StateOfferSent) {
		return ErrSessionStopped
	}

	answer, err := n.cfg.Signaling.Exchange(ctx, backend, signaling.FromSessionDescription(*local))
	if err != nil {
		if !n.current(gen) {
			return ErrSessionStopped
		}
		return &NegotiationError{Step: "exchange", Err: err}
	}
	remote, err := answer.SessionDescription()
	if err != nil {
		return &NegotiationError{Step: "exchange", Err: err}
	}

	// Held across SetRemoteDescription so Stop cannot interleave between the
	// check and the apply. pion delivers tracks on its own goroutines, so the
	// OnTrack callback never runs inside this call.
	n.mu.Lock()
	if n.gen != gen || n.state != StateOfferSent {
		n.mu.Unlock()
		return ErrSessionStopped
	}
	if err := peer.SetRemoteDescription(remote); err != nil {
		n.mu.Unlock()
		return &NegotiationError{Step: "set remote description", Err: err}
	}
	n.state = StateConnected
	n.mu.Unlock()

	n.emit()
	return nil
}

// adopt publishes peer as the session's handle if gen is still current.
func (n *Negotiator) adopt(gen uint64, peer Peer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen {
		return false
	}
	n.peer = peer
	return true
}

// advance moves from → to if gen is current and the session is still in from.
func (n *Negotiator) advance(gen uint64, from, to State) bool {
	n.mu.Lock()
	if n.gen != gen || n.state != from {
		n.mu.Unlock()
		return false
	}
	n.state = to
	n.mu.Unlock()

	n.emit()
	return true
}

func (n *Negotiator) current(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen == gen
}

// setTrack records track as the latest forwarded track if gen is current.
func (n *Negotiator) setTrack(gen uint64, track transport.Track) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen || !(n.state.negotiating() || n.state == StateConnected) {
		return false
	}
	n.track = track
	return true
}

// fail moves the session to FAILED and releases its peer immediately. It
// reports false when a Stop already took over the session.
func (n *Negotiator) fail(gen uint64, err error) bool {
	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		return false
	}
	peer := n.peer
	n.peer = nil
	n.track = nil
	n.err = err
	n.state = StateFailed
	n.mu.Unlock()

	if peer != nil {
		if cerr := peer.Close(); cerr != nil {
			n.log.Warning("failed to close peer: %v", cerr)
		}
	}

	n.log.Error("%v", err)
	n.emit()
	return true
}

// ---------------------------------------------------------------------------
// Stop
// ---------------------------------------------------------------------------

// Stop ends the session. The state flips to CLOSING at once, which abandons
// any in-flight negotiation; the peer is released after the grace delay,
// after which the session is CLOSED and the returned channel is closed. A
// Stop landing while the peer is still being created stays CLOSING until
// that peer has been released. Stop is a no-op when IDLE or CLOSED, and
// returns the pending teardown's channel when already CLOSING.
func (n *Negotiator) Stop() <-chan struct{} {
	n.mu.Lock()
	switch n.state {
	case StateIdle, StateClosed:
		n.mu.Unlock()
		return closedChan()
	case StateClosing:
		done := n.stopDone
		n.mu.Unlock()
		return done
	}

	n.gen++
	gen := n.gen
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	peer := n.peer
	n.peer = nil
	n.track = nil
	done := make(chan struct{})

	acquiring := n.acquiring
	n.acquiring = nil
	if acquiring != nil {
		select {
		case <-acquiring:
			acquiring = nil
		default:
		}
	}

	if peer == nil && acquiring == nil {
		// FAILED, or the peer factory failed before a peer was acquired.
		n.state = StateClosed
		n.err = nil
		n.mu.Unlock()

		close(done)
		n.log.Info("session closed")
		n.emit()
		return done
	}

	n.state = StateClosing
	n.stopDone = done
	n.mu.Unlock()
	n.emit()

	if peer == nil {
		// The abandoned negotiation closes the peer it is still creating.
		n.log.Info("stopping, waiting for the pending peer to be released")
		go func() {
			<-acquiring
			n.closed(gen, done)
		}()
		return done
	}

	n.log.Info("stopping, releasing peer in %s", n.cfg.GraceDelay)
	n.cfg.Clock.AfterFunc(n.cfg.GraceDelay, func() {
		if err := peer.Close(); err != nil {
			n.log.Warning("failed to close peer: %v", err)
		}
		n.closed(gen, done)
	})

	return done
}

// closed finishes the teardown started by the Stop of generation gen.
func (n *Negotiator) closed(gen uint64, done chan struct{}) {
	n.mu.Lock()
	closed := n.gen == gen && n.state == StateClosing
	if closed {
		n.state = StateClosed
		n.stopDone = nil
	}
	n.mu.Unlock()

	close(done)
	if closed {
		n.log.Info("session closed")
		n.emit()
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
