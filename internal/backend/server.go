// Package backend is a reference robot backend: it answers WebRTC offers
// with a send-only video track, pushes JPEG frames over websockets and
// echoes heartbeat probes. It exists so the viewer can be run and tested end
// to end without real robot hardware.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/util"
)

// Cameras are the frame stream names served on GET /{camera}/ws.
var Cameras = []string{"rgb", "depth"}

const (
	DefaultFrameRate           = 30
	DefaultICEGatheringTimeout = 5 * time.Second

	maxOfferBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config configures a Server.
type Config struct {
	API        *webrtc.API // nil uses the pion default API
	ICEServers []webrtc.ICEServer

	Backends            []string      // names accepted on POST /{backend}/offer
	FrameRate           int           // frames per second on every socket and track
	ICEGatheringTimeout time.Duration // bound on answer-side gathering

	Frames          FrameSource                   // defaults to a TestPattern
	NewSampleSource func() (SampleSource, error) // one per peer; defaults to synthetic samples
	Clock           clock.Clock
}

// Server serves the robot endpoints. It tracks every peer it answered so
// Close can release them.
type Server struct {
	cfg Config

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool

	quit     chan struct{} // closed by Close; ends every open socket
	quitOnce sync.Once
}

// New validates cfg, fills defaults and returns a Server.
func New(cfg Config) (*Server, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("backend: at least one backend name is required")
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.ICEGatheringTimeout <= 0 {
		cfg.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	if cfg.Frames == nil {
		cfg.Frames = TestPattern{}
	}
	if cfg.NewSampleSource == nil {
		cfg.NewSampleSource = func() (SampleSource, error) { return &SyntheticSource{}, nil }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Server{
		cfg:   cfg,
		peers: make(map[string]*peer),
		quit:  make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler with permissive CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{backend}/offer", s.handleOffer)
	mux.HandleFunc("GET /ping/ws", s.handlePing)
	mux.HandleFunc("GET /{camera}/ws", s.handleFrames)
	return allowCORS(mux)
}

// PeerCount returns the number of live peer connections.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close closes every tracked peer and open socket. Offers arriving afterwards
// are refused.
func (s *Server) Close() error {
	s.quitOnce.Do(func() { close(s.quit) })

	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for id, p := range s.peers {
		peers = append(peers, p)
		delete(s.peers, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", p.id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) frameInterval() time.Duration {
	return time.Second / time.Duration(s.cfg.FrameRate)
}

func (s *Server) servesBackend(name string) bool {
	return slices.Contains(s.cfg.Backends, name)
}

// ---------------------------------------------------------------------------
// Ping
// ---------------------------------------------------------------------------

// handlePing echoes every message back verbatim until the client leaves.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	stop := s.closeOnQuit(conn)
	defer stop()

	util.LogDebug("ping socket opened from %s", r.RemoteAddr)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			util.LogDebug("ping socket from %s closed: %v", r.RemoteAddr, err)
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// closeOnQuit closes conn when the server shuts down. The returned func
// releases the watcher.
func (s *Server) closeOnQuit(conn *websocket.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-s.quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

// allowCORS answers preflight requests and marks every response as readable
// from any origin.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
