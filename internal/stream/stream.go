// Package stream implements the websocket side of the viewer: a frame
// stream that turns pushed binary messages into display resources, and a
// heartbeat probe that measures round-trip latency over an echo socket.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/1ureka/teleview/internal/util"
)

// State is the lifecycle state of a FrameStream.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrStreamActive is returned by Start unless the stream is DISCONNECTED.
	ErrStreamActive = errors.New("frame stream already active")

	// ErrStreamStopped is returned by Start when Stop won the race with the dial.
	ErrStreamStopped = errors.New("frame stream stopped while connecting")

	// ErrMalformedFrame is wrapped by StreamError for text or empty messages.
	ErrMalformedFrame = errors.New("malformed frame")
)

// StreamError reports why a frame stream ended without Stop.
type StreamError struct {
	Op  string // "dial", "read", "frame"
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("frame stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// closeWait bounds the close handshake written on Stop.
const closeWait = time.Second

// FrameStreamConfig configures a FrameStream.
type FrameStreamConfig struct {
	URL    string            // e.g. ws://robot.local:8080/rgb/ws
	Sink   FrameSink         // required; one sink per camera
	Dialer *websocket.Dialer // defaults to websocket.DefaultDialer
	Clock  clock.Clock       // defaults to the wall clock
}

// Snapshot is the observable view of a FrameStream.
type Snapshot struct {
	State State
	Frame *Frame // currently installed frame, nil if none
	Err   error  // why the last stream ended, nil after Stop
}

// FrameStream owns at most one websocket at a time. Each Start dials a fresh
// socket; each inbound frame replaces the previous one, which is released
// before the new one is installed.
type FrameStream struct {
	url    string
	sink   FrameSink
	dialer *websocket.Dialer
	clock  clock.Clock

	live atomic.Int64 // display resources not yet released

	mu        sync.Mutex
	state     State
	gen       uint64
	conn      *websocket.Conn
	current   *Frame
	seq       uint64
	err       error
	observers []func(State)

	dialing    chan struct{} // closed once the latest dial returned and any stale socket is closed
	cancelDial context.CancelFunc
}

// NewFrameStream validates cfg and returns a DISCONNECTED stream.
func NewFrameStream(cfg FrameStreamConfig) (*FrameStream, error) {
	if cfg.URL == "" {
		return nil, errors.New("stream: URL is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("stream: Sink is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &FrameStream{
		url:    cfg.URL,
		sink:   cfg.Sink,
		dialer: cfg.Dialer,
		clock:  cfg.Clock,
	}, nil
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// State returns the current state.
func (s *FrameStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current observable state.
func (s *FrameStream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{State: s.state, Frame: s.current, Err: s.err}
}

// Err returns why the last stream ended, or nil.
func (s *FrameStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LiveFrames returns the number of frames created by this stream and not yet
// released. It never exceeds one.
func (s *FrameStream) LiveFrames() int64 {
	return s.live.Load()
}

// OnStateChange registers fn to be called after every transition.
func (s *FrameStream) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *FrameStream) emit(state State) {
	s.mu.Lock()
	observers := append([]func(State){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start dials the frame socket and begins reading in the background. The
// stream is CONNECTING until the first frame arrives, then STREAMING. If a
// dial abandoned by Stop is still in flight, Start waits for it to return
// before dialing again.
func (s *FrameStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrStreamActive, state)
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.err = nil
	s.seq = 0
	pending := s.dialing
	dialing := make(chan struct{})
	s.dialing = dialing
	ctx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.mu.Unlock()
	defer close(dialing)
	defer cancel()
	s.emit(StateConnecting)

	if pending != nil {
		select {
		case <-pending:
		case <-ctx.Done():
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		serr := &StreamError{Op: "dial", Err: err}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return ErrStreamStopped
		}
		s.gen++
		s.state = StateDisconnected
		s.err = serr
		s.cancelDial = nil
		s.mu.Unlock()

		util.LogError("failed to connect to frame stream %s: %v", s.url, err)
		s.emit(StateDisconnected)
		return serr
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return ErrStreamStopped
	}
	s.conn = conn
	s.cancelDial = nil
	s.mu.Unlock()

	util.LogInfo("frame stream connected: %s", s.url)
	go s.readLoop(gen, conn)
	return nil
}

// Stop releases the current frame, closes the socket and returns to
// DISCONNECTED. It is a no-op when already DISCONNECTED.
func (s *FrameStream) Stop() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	cur := s.current
	conn := s.conn
	s.current = nil
	s.conn = nil
	s.state = StateDisconnected
	s.err = nil
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	s.mu.Unlock()

	cur.Release()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		conn.Close()
	}

	util.LogInfo("frame stream stopped: %s", s.url)
	s.emit(StateDisconnected)
}

// readLoop is the only reader of conn. It exits on any read error; when the
// error was not caused by Stop the stream is torn down and DISCONNECTED.
func (s *FrameStream) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.drop(gen, &StreamError{Op: "read", Err: err})
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			s.drop(gen, &StreamError{Op: "frame", Err: fmt.Errorf("%w: type %d, %d bytes", ErrMalformedFrame, mt, len(data))})
			return
		}
		if !s.install(gen, data) {
			return
		}
	}
}

// install releases the current frame, installs a new one built from data and
// shows it on the sink.
func (s *FrameStream) install(gen uint64, data []byte) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = nil
	prev.Release()

	s.seq++
	f := newFrame(s.seq, data, s.clock.Now(), &s.live)
	s.current = f

	first := s.state == StateConnecting
	if first {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	if first {
		util.LogDebug("frame stream %s streaming", s.url)
		s.emit(StateStreaming)
	}

	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return false
	}
	s.sink.Show(f)
	return true
}

// drop tears the stream down after an unexpected close or a malformed frame.
func (s *FrameStream) drop(gen uint64, err *StreamError) {
	s.mu.Lock()
	if s.gen != gen {
		// Stop already tore it down.
		s.mu.Unlock()
		return
	}
	s.gen++
	cur := s.current
	conn := s.conn
	s.current = nil
	s.conn = nil
	s.state = StateDisconnected
	s.err = err
	s.mu.Unlock()

	cur.Release()
	if conn != nil {
		conn.Close()
	}

	util.LogWarning("frame stream %s ended: %v", s.url, err)
	s.emit(StateDisconnected)
}
