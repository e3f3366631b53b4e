package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/signaling"
	"github.com/1ureka/teleview/internal/transport"
)

// Compile-time interface checks.
var (
	_ Peer            = (*fakePeer)(nil)
	_ Peer            = (*transport.Peer)(nil)
	_ transport.Track = (*fakeTrack)(nil)
	_ Exchanger       = (*signaling.Client)(nil)
)

// fakePeer records the order of calls made on it and lets tests drive ICE
// gathering and inbound tracks by hand.
type fakePeer struct {
	mu       sync.Mutex
	calls    []string
	gather   webrtc.ICEGatheringState
	subs     map[int]func(webrtc.ICEGatheringState)
	nextSub  int
	onTrack  func(transport.Track)
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	closed   atomic.Int32
	closedCh chan struct{}

	// gatheredAtRemote records the gathering state seen by SetRemoteDescription.
	gatheredAtRemote webrtc.ICEGatheringState

	autoGather bool // complete gathering as soon as the local description is set

	onAddTransceiver func() // runs inside AddRecvOnlyVideo, after it is recorded

	errAddTransceiver error
	errCreateOffer    error
	errSetLocal       error
	errSetRemote      error
	nilLocal          bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		gather:     webrtc.ICEGatheringStateNew,
		subs:       make(map[int]func(webrtc.ICEGatheringState)),
		closedCh:   make(chan struct{}),
		autoGather: true,
	}
}

func (p *fakePeer) record(call string) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *fakePeer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePeer) AddRecvOnlyVideo() error {
	p.record("addRecvOnlyVideo")
	if p.onAddTransceiver != nil {
		p.onAddTransceiver()
	}
	return p.errAddTransceiver
}

func (p *fakePeer) OnTrack(fn func(transport.Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("createOffer")
	if p.errCreateOffer != nil {
		return webrtc.SessionDescription{}, p.errCreateOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.record("setLocalDescription")
	if p.errSetLocal != nil {
		return p.errSetLocal
	}
	p.mu.Lock()
	if !p.nilLocal {
		withCandidates := sd
		withCandidates.SDP += " a=candidate"
		p.local = &withCandidates
	}
	p.mu.Unlock()

	p.setGathering(webrtc.ICEGatheringStateGathering)
	if p.autoGather {
		go p.setGathering(webrtc.ICEGatheringStateComplete)
	}
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) ICEGatheringState() webrtc.ICEGatheringState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gather
}

func (p *fakePeer) OnICEGatheringStateChange(fn func(webrtc.ICEGatheringState)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *fakePeer) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakePeer) setGathering(state webrtc.ICEGatheringState) {
	p.mu.Lock()
	p.gather = state
	subs := make([]func(webrtc.ICEGatheringState), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (p *fakePeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.record("setRemoteDescription")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gatheredAtRemote = p.gather
	if p.errSetRemote != nil {
		return p.errSetRemote
	}
	p.remote = &sd
	return nil
}

func (p *fakePeer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) Close() error {
	p.record("close")
	if p.closed.Add(1) == 1 {
		close(p.closedCh)
	}
	return nil
}

// emitTrack simulates pion delivering an inbound track.
func (p *fakePeer) emitTrack(track transport.Track) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

// fakeFactory hands out fakePeers and counts them.
type fakeFactory struct {
	mu      sync.Mutex
	peers   []*fakePeer
	prepare func(*fakePeer)
	err     error
}

func (f *fakeFactory) New() (Peer, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := newFakePeer()
	if f.prepare != nil {
		f.prepare(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) Peers() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

// exchangerFunc adapts a function to Exchanger.
type exchangerFunc func(ctx context.Context, backend string, offer signaling.Message) (signaling.Message, error)

func (f exchangerFunc) Exchange(ctx context.Context, backend string, offer signaling.Message) (signaling.Message, error) {
	return f(ctx, backend, offer)
}

func answering(sdp string) exchangerFunc {
	return func(context.Context, string, signaling.Message) (signaling.Message, error) {
		return signaling.Message{SDP: sdp, Type: signaling.MsgTypeAnswer}, nil
	}
}

// fakeTrack is an inbound track that ends immediately.
type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) StreamID() string          { return "stream-" + t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Read([]byte) (int, interceptor.Attributes, error) {
	return 0, nil, io.EOF
}

// recordingSink collects forwarded tracks.
type recordingSink struct {
	mu     sync.Mutex
	tracks []transport.Track
}

func (s *recordingSink) HandleTrack(track transport.Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

func (s *recordingSink) Tracks() []transport.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Track(nil), s.tracks...)
}

var errBoom = errors.New("boom")
