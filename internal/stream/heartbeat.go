package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/1ureka/teleview/internal/util"
)

// DefaultPingInterval is how often the heartbeat sends a probe.
const DefaultPingInterval = time.Second

var (
	ErrHeartbeatStarted = errors.New("heartbeat already started")
	ErrHeartbeatClosed  = errors.New("heartbeat closed")
)

// PingMessage is the probe payload; the backend echoes it verbatim.
type PingMessage struct {
	Time int64 `json:"time"` // sender wall clock, epoch milliseconds
}

// PingSample is the latest probe round trip.
type PingSample struct {
	SentAt     time.Time
	ObservedAt time.Time
}

// Latency returns ObservedAt - SentAt, never negative.
func (p PingSample) Latency() time.Duration {
	d := p.ObservedAt.Sub(p.SentAt)
	if d < 0 {
		return 0
	}
	return d
}

// HeartbeatConfig configures a Heartbeat.
type HeartbeatConfig struct {
	URL      string
	Interval time.Duration // defaults to DefaultPingInterval
	Dialer   *websocket.Dialer
	Clock    clock.Clock
}

// Heartbeat measures round-trip latency over an echo socket. It dials once
// per lifetime and keeps only the most recent sample.
type Heartbeat struct {
	url      string
	interval time.Duration
	dialer   *websocket.Dialer
	clock    clock.Clock

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	started bool
	closed  bool
	sample  *PingSample
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// NewHeartbeat validates cfg and returns an unstarted probe.
func NewHeartbeat(cfg HeartbeatConfig) (*Heartbeat, error) {
	if cfg.URL == "" {
		return nil, errors.New("heartbeat: URL is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Heartbeat{
		url:      cfg.URL,
		interval: cfg.Interval,
		dialer:   cfg.Dialer,
		clock:    cfg.Clock,
	}, nil
}

// Start dials the echo socket and starts the send and receive loops. The
// loops run until Close or until ctx is cancelled; either stops the interval
// and closes the socket, after which the probe cannot be restarted.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return ErrHeartbeatClosed
	case h.started:
		h.mu.Unlock()
		return ErrHeartbeatStarted
	}
	h.started = true
	h.mu.Unlock()

	conn, _, err := h.dialer.DialContext(ctx, h.url, nil)
	if err != nil {
		util.LogWarning("heartbeat dial %s failed: %v", h.url, err)
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := h.clock.Ticker(h.interval)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		ticker.Stop()
		conn.Close()
		return ErrHeartbeatClosed
	}
	h.conn = conn
	h.open = true
	h.cancel = cancel
	h.mu.Unlock()

	util.LogDebug("heartbeat connected: %s", h.url)

	h.wg.Add(2)
	go h.sendLoop(loopCtx, ticker)
	go h.readLoop(conn)
	return nil
}

// Latency returns the latest round-trip latency. ok is false until the first
// echo arrives.
func (h *Heartbeat) Latency() (d time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sample == nil {
		return 0, false
	}
	return h.sample.Latency(), true
}

// LatencyMs is Latency in whole milliseconds.
func (h *Heartbeat) LatencyMs() (int64, bool) {
	d, ok := h.Latency()
	return d.Milliseconds(), ok
}

// Sample returns the latest round trip, if any.
func (h *Heartbeat) Sample() (PingSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sample == nil {
		return PingSample{}, false
	}
	return *h.sample, true
}

// Close stops the ticker and closes the socket, then waits for both loops to
// exit. Safe to call more than once.
func (h *Heartbeat) Close() error {
	err := h.teardown()
	h.wg.Wait()
	return err
}

// teardown stops the interval and closes the socket together. Only the first
// call does anything.
func (h *Heartbeat) teardown() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.open = false
	conn := h.conn
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		err = conn.Close()
	}
	return err
}

func (h *Heartbeat) sendLoop(ctx context.Context, ticker *clock.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := h.teardown(); err != nil {
				util.LogDebug("heartbeat close: %v", err)
			}
			return
		case <-ticker.C:
			h.ping()
		}
	}
}

// ping sends one probe if the socket is still open.
func (h *Heartbeat) ping() {
	h.mu.Lock()
	if !h.open {
		h.mu.Unlock()
		return
	}
	conn := h.conn
	h.mu.Unlock()

	msg := PingMessage{Time: h.clock.Now().UnixMilli()}
	_ = conn.SetWriteDeadline(time.Now().Add(h.interval))
	if err := conn.WriteJSON(msg); err != nil {
		util.LogDebug("heartbeat send failed: %v", err)
		h.markClosed()
	}
}

func (h *Heartbeat) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.mu.Lock()
			closing := h.closed
			h.mu.Unlock()
			if !closing {
				util.LogWarning("heartbeat socket closed: %v", err)
			}
			h.markClosed()
			return
		}

		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogDebug("heartbeat ignoring malformed echo: %v", err)
			continue
		}
		sample := PingSample{
			SentAt:     time.UnixMilli(msg.Time),
			ObservedAt: h.clock.Now(),
		}

		h.mu.Lock()
		h.sample = &sample
		h.mu.Unlock()
		util.Stats.SetLatency(sample.Latency().Milliseconds())
	}
}

func (h *Heartbeat) markClosed() {
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
}
