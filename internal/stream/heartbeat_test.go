package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// gatedEcho echoes each message once release yields, after reporting it on got.
func gatedEcho(got chan<- []byte, release <-chan struct{}) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got <- data
			<-release
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
}

func newHeartbeat(t *testing.T, url string, clk clock.Clock) *Heartbeat {
	t.Helper()
	h, err := NewHeartbeat(HeartbeatConfig{URL: url, Interval: time.Second, Clock: clk})
	if err != nil {
		t.Fatalf("NewHeartbeat: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHeartbeatMeasuresLatency(t *testing.T) {
	got := make(chan []byte, 8)
	release := make(chan struct{})
	url, _ := wsServer(t, gatedEcho(got, release))

	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	h := newHeartbeat(t, url, mock)

	if _, ok := h.Latency(); ok {
		t.Fatal("Latency should be unknown before Start")
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mock.Add(time.Second)
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received a probe")
	}

	mock.Add(25 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if d, ok := h.Latency(); ok {
			if d != 25*time.Millisecond {
				t.Fatalf("Latency = %v, want 25ms", d)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no latency sample")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if ms, ok := h.LatencyMs(); !ok || ms != 25 {
		t.Fatalf("LatencyMs = %d, %v", ms, ok)
	}
	sample, ok := h.Sample()
	if !ok || !sample.SentAt.Equal(time.UnixMilli(1_700_000_001_000)) {
		t.Fatalf("Sample = %+v, %v", sample, ok)
	}
}

func TestHeartbeatCloseStopsProbes(t *testing.T) {
	got := make(chan []byte, 64)
	release := make(chan struct{})
	close(release)
	url, _ := wsServer(t, gatedEcho(got, release))

	mock := clock.NewMock()
	h := newHeartbeat(t, url, mock)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrHeartbeatStarted) {
		t.Fatalf("second Start = %v, want ErrHeartbeatStarted", err)
	}

	mock.Add(time.Second)
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received a probe")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	mock.Add(5 * time.Second)
	select {
	case data := <-got:
		t.Fatalf("probe %q sent after Close", data)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.Start(context.Background()); !errors.Is(err, ErrHeartbeatClosed) {
		t.Fatalf("Start after Close = %v, want ErrHeartbeatClosed", err)
	}
}

func TestPingSampleClampsNegative(t *testing.T) {
	now := time.Now()
	s := PingSample{SentAt: now.Add(time.Second), ObservedAt: now}
	if got := s.Latency(); got != 0 {
		t.Fatalf("Latency = %v, want 0", got)
	}
	s = PingSample{SentAt: now, ObservedAt: now.Add(40 * time.Millisecond)}
	if got := s.Latency(); got != 40*time.Millisecond {
		t.Fatalf("Latency = %v, want 40ms", got)
	}
}

func TestNewHeartbeatDefaults(t *testing.T) {
	if _, err := NewHeartbeat(HeartbeatConfig{}); err == nil {
		t.Fatal("expected error for missing URL")
	}
	h, err := NewHeartbeat(HeartbeatConfig{URL: "ws://x"})
	if err != nil {
		t.Fatalf("NewHeartbeat: %v", err)
	}
	if h.interval != DefaultPingInterval {
		t.Fatalf("interval = %v, want %v", h.interval, DefaultPingInterval)
	}
}

func TestHeartbeatContextCancelClosesSocket(t *testing.T) {
	gone := make(chan struct{})
	url, _ := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(gone)
				return
			}
		}
	})
	h := newHeartbeat(t, url, clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("socket still open after the context was cancelled")
	}

	h.mu.Lock()
	open, closed := h.open, h.closed
	h.mu.Unlock()
	if open || !closed {
		t.Fatalf("open = %v, closed = %v after cancel", open, closed)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrHeartbeatClosed) {
		t.Fatalf("Start after cancel = %v, want ErrHeartbeatClosed", err)
	}

	returned := make(chan struct{})
	go func() {
		h.Close()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung after the context was cancelled")
	}
}
