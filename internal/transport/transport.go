// Package transport wraps a single pion PeerConnection as an owned,
// closable connection handle for one viewer session.
package transport

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/util"
)

// Track is the read side of an inbound remote media track.
// *webrtc.TrackRemote satisfies it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Read(b []byte) (int, interceptor.Attributes, error)
}

// Peer wraps one PeerConnection. pion accepts a single handler per event, so
// Peer registers its own handlers once and fans them out to subscribers.
type Peer struct {
	pc *webrtc.PeerConnection

	mu         sync.Mutex
	nextSubID  int
	gatherSubs map[int]func(webrtc.ICEGatheringState)
	onTrack    func(Track)

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewPeer creates a Peer backed by a new PeerConnection. api may be nil to
// use pion's defaults.
func NewPeer(api *webrtc.API, iceServers []webrtc.ICEServer) (*Peer, error) {
	pc, err := newPeerConnection(api, iceServers)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		pc:         pc,
		gatherSubs: make(map[int]func(webrtc.ICEGatheringState)),
		done:       make(chan struct{}),
	}

	pc.OnICEGatheringStateChange(p.dispatchGathering)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	// Informational only; the session state machine does not follow it.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
	})

	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed once Close has been called.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close shuts down the PeerConnection and drops every subscriber. Safe to
// call multiple times; later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.gatherSubs = make(map[int]func(webrtc.ICEGatheringState))
		p.onTrack = nil
		p.mu.Unlock()

		p.closeErr = p.pc.Close()
		close(p.done)
	})
	return p.closeErr
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddRecvOnlyVideo declares a receive-only video transceiver so the offer
// asks the remote side for exactly one video track.
func (p *Peer) AddRecvOnlyVideo() error {
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// OnTrack registers the callback invoked for every inbound remote track.
func (p *Peer) OnTrack(fn func(Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// LocalDescription returns the local SDP including every gathered candidate.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

// SetRemoteDescription applies the remote SDP.
func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// ICEGatheringState returns the current ICE gathering state.
func (p *Peer) ICEGatheringState() webrtc.ICEGatheringState {
	return p.pc.ICEGatheringState()
}

// OnICEGatheringStateChange subscribes fn to gathering state changes and
// returns a function that removes the subscription.
func (p *Peer) OnICEGatheringStateChange(fn func(webrtc.ICEGatheringState)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.gatherSubs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.gatherSubs, id)
		p.mu.Unlock()
	}
}

// dispatchGathering invokes every subscriber outside the lock so that a
// subscriber may unsubscribe from within its own callback.
func (p *Peer) dispatchGathering(state webrtc.ICEGatheringState) {
	util.LogDebug("ICE gathering state: %s", state.String())

	p.mu.Lock()
	subs := make([]func(webrtc.ICEGatheringState), 0, len(p.gatherSubs))
	for _, fn := range p.gatherSubs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// subscriberCount is used by tests to check for dangling subscriptions.
func (p *Peer) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gatherSubs)
}
