package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/router"
)

// fakeSignaler routes through a real router and records outbound envelopes.
type fakeSignaler struct {
	*router.Router

	mu   sync.Mutex
	sent []proto.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{Router: router.New()}
}

func (f *fakeSignaler) Send(env proto.Envelope) bool {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return true
}

func (f *fakeSignaler) sentOf(typ string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, env := range f.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fakeSender struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (f *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	f.tracks = append(f.tracks, t)
	f.mu.Unlock()
	return nil
}

type fakePeer struct {
	mu         sync.Mutex
	ops        []string
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    []*fakeSender
	closed     bool
	remoteErr  error
	stateFn    func(webrtc.PeerConnectionState)
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (TrackSender, error) {
	p.record("add-track")
	s := &fakeSender{}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.record("set-local")
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set-remote")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("add-candidate")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(func(*webrtc.ICECandidate))              {}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.stateFn = fn
	p.mu.Unlock()
}

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) candidateList() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.stateFn
	p.mu.Unlock()
	fn(s)
}

type fakeStream struct {
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeMedia hands out one stream per Acquire. When gate is set Acquire
// blocks until it is closed.
type fakeMedia struct {
	err  error
	gate chan struct{}

	mu      sync.Mutex
	streams []*fakeStream
}

func (m *fakeMedia) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (m *fakeMedia) Acquire(ctx context.Context, video bool) (LocalStream, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	s := &fakeStream{tracks: localTracks(video)}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.streams) {
		return nil
	}
	return m.streams[i]
}

func localTracks(video bool) []webrtc.TrackLocal {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "chatterbox")
	if err != nil {
		panic(err)
	}
	tracks := []webrtc.TrackLocal{audio}
	if video {
		v, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", "chatterbox")
		if err != nil {
			panic(err)
		}
		tracks = append(tracks, v)
	}
	return tracks
}

// peerPool hands out fakePeers and remembers them.
type peerPool struct {
	mu        sync.Mutex
	peers     []*fakePeer
	remoteErr error
}

func (p *peerPool) factory(iceServers []webrtc.ICEServer) (PeerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp := &fakePeer{remoteErr: p.remoteErr}
	p.peers = append(p.peers, fp)
	return fp, nil
}

func (p *peerPool) peer(i int) *fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.peers) {
		return nil
	}
	return p.peers[i]
}
