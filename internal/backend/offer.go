package backend

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/signaling"
	"github.com/1ureka/teleview/internal/util"
)

// peer is one answered viewer connection and its sample pump.
type peer struct {
	id   string
	log  util.Scope
	pc   *webrtc.PeerConnection
	done chan struct{}
	once sync.Once
	err  error
}

func (p *peer) close() error {
	p.once.Do(func() {
		close(p.done)
		p.err = p.pc.Close()
	})
	return p.err
}

// handleOffer answers a viewer's offer with a send-only VP8 track. The answer
// is returned only after gathering completes (or times out) so it carries
// every candidate; the viewer does not trickle.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("backend")
	if !s.servesBackend(name) {
		writeJSONError(w, http.StatusNotFound, "unknown_backend", "no backend named "+name)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	var msg signaling.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	if err := msg.Validate(signaling.MsgTypeOffer); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}
	offer, err := msg.SessionDescription()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}

	src, err := s.cfg.NewSampleSource()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to open sample source: "+err.Error())
		return
	}

	p, track, err := s.newPeer(name)
	if err != nil {
		closeSource(src)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	fail := func(status int, code, message string) {
		closeSource(src)
		_ = p.close()
		writeJSONError(w, status, code, message)
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		fail(http.StatusBadRequest, "bad_message", "failed to set remote description: "+err.Error())
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		fail(http.StatusInternalServerError, "internal_error", "failed to create answer: "+err.Error())
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		fail(http.StatusInternalServerError, "internal_error", "failed to set local description: "+err.Error())
		return
	}
	select {
	case <-gatherComplete:
	case <-s.cfg.Clock.After(s.cfg.ICEGatheringTimeout):
		p.log.Warning("ICE gathering timed out, answering with partial candidates")
	case <-r.Context().Done():
		closeSource(src)
		_ = p.close()
		return
	}

	local := p.pc.LocalDescription()
	if local == nil {
		fail(http.StatusInternalServerError, "internal_error", "failed to gather local description")
		return
	}

	if !s.track(p) {
		fail(http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	go s.pump(p, track, src)

	p.log.Info("answered offer for %s", name)
	writeJSON(w, http.StatusOK, signaling.FromSessionDescription(*local))
}

// newPeer creates a peer connection carrying a send-only VP8 track.
func (s *Server) newPeer(backend string) (*peer, *webrtc.TrackLocalStaticSample, error) {
	config := webrtc.Configuration{ICEServers: s.cfg.ICEServers}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if s.cfg.API != nil {
		pc, err = s.cfg.API.NewPeerConnection(config)
	} else {
		pc, err = webrtc.NewPeerConnection(config)
	}
	if err != nil {
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", backend)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}

	// Read incoming RTCP so interceptors keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	id := uuid.NewString()
	p := &peer{id: id, log: util.Scope("peer " + id[:8]), pc: pc, done: make(chan struct{})}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			s.untrack(p)
		}
	})
	return p, track, nil
}

// track registers p unless the server is closed.
func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	s.peers[p.id] = p
	return true
}

// untrack forgets p and closes it.
func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()

	if ok {
		p.log.Info("released")
	}
	go p.close()
}

// pump writes one sample per frame interval until the peer goes away.
func (s *Server) pump(p *peer, track *webrtc.TrackLocalStaticSample, src SampleSource) {
	defer closeSource(src)

	ticker := s.cfg.Clock.Ticker(s.frameInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			sample, err := src.NextSample(s.frameInterval())
			if err != nil {
				p.log.Error("sample source: %v", err)
				s.untrack(p)
				return
			}
			if err := track.WriteSample(sample); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					p.log.Debug("write sample: %v", err)
				}
				return
			}
		}
	}
}
