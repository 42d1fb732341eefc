package call

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/router"
)

type localSender struct {
	sender TrackSender
	track  webrtc.TrackLocal
}

// Session is one call with one remote user. It owns the local stream, the
// peer connection and the router subscription; all three are released
// exactly once when the session ends.
type Session struct {
	id       string
	subID    string
	remote   string
	video    bool
	outgoing bool

	sig        Signaler
	media      MediaSource
	newPeer    PeerFactory
	iceServers []webrtc.ICEServer
	recordDir  string
	notify     func(Event)

	// toggleMu spans a whole mute/camera toggle so concurrent toggles
	// alternate instead of both flipping from the same state.
	toggleMu sync.Mutex

	mu     sync.Mutex
	status Status
	stream LocalStream
	pc     PeerConn
	// offer is the remote offer to answer; set for callee sessions and when
	// the remote calls us while we are still initializing.
	offer *webrtc.SessionDescription
	// negotiating is set once run has chosen between offering and answering.
	negotiating bool
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	// Local candidates are held until our description has been sent so the
	// remote never sees a candidate before the offer or answer.
	signaled     bool
	localPending []webrtc.ICECandidateInit
	senders      map[webrtc.RTPCodecType]localSender
	muted        bool
	cameraOff    bool
	ended        bool
	done         chan struct{}
}

type sessionConfig struct {
	remote     string
	video      bool
	offer      *webrtc.SessionDescription
	sig        Signaler
	media      MediaSource
	newPeer    PeerFactory
	iceServers []webrtc.ICEServer
	recordDir  string
	notify     func(Event)
}

func newSession(cfg sessionConfig) *Session {
	id := uuid.NewString()
	notify := cfg.notify
	if notify == nil {
		notify = func(Event) {}
	}
	return &Session{
		id:         id,
		subID:      "call:" + id,
		remote:     cfg.remote,
		video:      cfg.video,
		outgoing:   cfg.offer == nil,
		sig:        cfg.sig,
		media:      cfg.media,
		newPeer:    cfg.newPeer,
		iceServers: cfg.iceServers,
		recordDir:  cfg.recordDir,
		notify:     notify,
		status:     StatusInitializing,
		offer:      cfg.offer,
		senders:    make(map[webrtc.RTPCodecType]localSender),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Remote() string       { return s.remote }
func (s *Session) Video() bool          { return s.video }
func (s *Session) SubscriberID() string { return s.subID }

// Outgoing reports whether we placed the call.
func (s *Session) Outgoing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoing
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) CameraOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cameraOff
}

// subscribe installs the session's single router subscription. It only
// sees signaling envelopes from the remote party.
func (s *Session) subscribe() {
	s.sig.Register(s.subID, router.Filter(func(env proto.Envelope) bool {
		return env.SenderID == s.remote && env.IsSignal()
	}, router.HandlerFunc(s.handleSignal)))
}

// run drives the session from Initializing to Calling (caller) or Connected
// (callee). Media and local negotiation failures end the session.
func (s *Session) run(ctx context.Context) error {
	stream, err := s.media.Acquire(ctx, s.video)
	if err != nil {
		return s.fail(&MediaError{Err: err})
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		stream.Stop()
		return ErrCallEnded
	}
	s.stream = stream
	s.mu.Unlock()

	pc, err := s.newPeer(s.iceServers)
	if err != nil {
		return s.fail(&NegotiationError{Op: "create peer connection", Err: err})
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = pc.Close()
		return ErrCallEnded
	}
	s.pc = pc
	s.mu.Unlock()

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(s.onTrack)
	pc.OnConnectionStateChange(s.onConnectionState)

	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack(%s) error: %v", s.id, track.Kind(), err)
			continue
		}
		s.mu.Lock()
		s.senders[track.Kind()] = localSender{sender: sender, track: track}
		s.mu.Unlock()
	}

	s.mu.Lock()
	offer := s.offer
	s.negotiating = true
	s.mu.Unlock()
	if offer != nil {
		return s.answer(pc, *offer)
	}
	return s.sendOffer(pc)
}

func (s *Session) sendOffer(pc PeerConn) error {
	desc, err := pc.CreateOffer()
	if err != nil {
		return s.fail(&NegotiationError{Op: "create offer", Err: err})
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return s.fail(&NegotiationError{Op: "set local offer", Err: err})
	}
	env, err := proto.NewSignal(proto.TypeOffer, s.remote, desc)
	if err != nil {
		return s.fail(err)
	}
	if s.Ended() {
		return ErrCallEnded
	}
	// Calling before the send: the answer may arrive before Send returns.
	s.setStatus(StatusCalling, StatusInitializing)
	if !s.sig.Send(env) {
		log.Printf("CALL [%s]: offer to %s dropped (transport down)", s.id, s.remote)
	}
	s.markSignaled()
	log.Printf("CALL [%s]: offer sent to %s", s.id, s.remote)
	return nil
}

// answer applies a remote offer and replies. An offer that cannot be
// applied ends the session: without a remote description ICE never starts,
// so no connectivity change would ever release it.
func (s *Session) answer(pc PeerConn, offer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return s.fail(&NegotiationError{Op: "set remote offer", Err: err})
	}
	s.flushRemoteCandidates(pc)

	desc, err := pc.CreateAnswer()
	if err != nil {
		return s.fail(&NegotiationError{Op: "create answer", Err: err})
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return s.fail(&NegotiationError{Op: "set local answer", Err: err})
	}
	env, err := proto.NewSignal(proto.TypeAnswer, s.remote, desc)
	if err != nil {
		return s.fail(err)
	}
	if s.Ended() {
		return ErrCallEnded
	}
	if !s.sig.Send(env) {
		log.Printf("CALL [%s]: answer to %s dropped (transport down)", s.id, s.remote)
	}
	s.markSignaled()
	s.setStatus(StatusConnected)
	log.Printf("CALL [%s]: answered %s", s.id, s.remote)
	return nil
}

func (s *Session) handleSignal(env proto.Envelope) error {
	switch env.Type {
	case proto.TypeOffer:
		return s.onOffer(env)
	case proto.TypeAnswer:
		return s.onAnswer(env)
	case proto.TypeICECandidate:
		return s.onRemoteCandidate(env)
	case proto.TypeCallEnd:
		log.Printf("CALL [%s]: %s hung up", s.id, s.remote)
		s.end(false)
	}
	return nil
}

func (s *Session) onOffer(env proto.Envelope) error {
	desc, err := decodeOffer(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.status != StatusInitializing || s.offer != nil || s.negotiating {
		log.Printf("CALL [%s]: ignoring offer from %s in state %s", s.id, s.remote, s.status)
		return nil
	}
	// Both sides called each other; answer theirs instead of offering.
	s.offer = &desc
	s.outgoing = false
	log.Printf("CALL [%s]: %s called us while initializing, will answer", s.id, s.remote)
	return nil
}

func (s *Session) onAnswer(env proto.Envelope) error {
	var desc webrtc.SessionDescription
	if err := env.DecodeData(&desc); err != nil {
		return err
	}
	s.mu.Lock()
	pc := s.pc
	ok := !s.ended && s.status == StatusCalling && pc != nil && !s.remoteSet
	s.mu.Unlock()
	if !ok {
		log.Printf("CALL [%s]: ignoring answer from %s", s.id, s.remote)
		return nil
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		err = &NegotiationError{Op: "set remote answer", Err: err}
		log.Printf("CALL [%s]: %v", s.id, err)
		return nil
	}
	s.flushRemoteCandidates(pc)
	s.setStatus(StatusConnected)
	return nil
}

// onRemoteCandidate adds a remote candidate, buffering it while the remote
// description is not yet applied. Failures are logged and ignored.
func (s *Session) onRemoteCandidate(env proto.Envelope) error {
	var c webrtc.ICECandidateInit
	if err := env.DecodeData(&c); err != nil {
		return err
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	if pc == nil || !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.addCandidate(pc, c)
	return nil
}

func (s *Session) flushRemoteCandidates(pc PeerConn) {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.addCandidate(pc, c)
	}
}

func (s *Session) addCandidate(pc PeerConn, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		log.Printf("CALL [%s]: %v", s.id, &NegotiationError{Op: "add candidate", Err: err})
	}
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if !s.signaled {
		s.localPending = append(s.localPending, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendCandidate(init)
}

func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	env, err := proto.NewSignal(proto.TypeICECandidate, s.remote, c)
	if err != nil {
		log.Printf("CALL [%s]: encode candidate: %v", s.id, err)
		return
	}
	s.sig.Send(env)
}

func (s *Session) markSignaled() {
	s.mu.Lock()
	s.signaled = true
	pending := s.localPending
	s.localPending = nil
	s.mu.Unlock()
	for _, c := range pending {
		s.sendCandidate(c)
	}
}

func (s *Session) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return
	}
	s.setStatus(StatusConnected)
	go drainRemote(s.id, pionRemoteTrack{track}, pc.WriteRTCP, s.recordDir, s.done)
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: peer connection %s", s.id, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.setStatus(StatusConnected)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		s.setStatus(StatusDisconnected)
	}
}

// setStatus moves to st. When from is given, the move only happens while the
// session is in one of those states.
func (s *Session) setStatus(st Status, from ...Status) {
	s.mu.Lock()
	if s.ended || s.status == st {
		s.mu.Unlock()
		return
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if s.status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			s.mu.Unlock()
			return
		}
	}
	s.status = st
	s.mu.Unlock()

	log.Printf("CALL [%s]: status %s", s.id, st)
	s.notify(Event{Type: EventStatus, CallID: s.id, Remote: s.remote, Video: s.video, Status: st})
}

// ToggleMute pauses or resumes the outgoing audio track and returns the new
// muted state. Nothing is signaled to the remote.
func (s *Session) ToggleMute() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeAudio, &s.muted)
}

// ToggleCamera pauses or resumes the outgoing video track and returns true
// when the camera is now off.
func (s *Session) ToggleCamera() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeVideo, &s.cameraOff)
}

func (s *Session) toggle(kind webrtc.RTPCodecType, flag *bool) (bool, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false, ErrCallEnded
	}
	ls, ok := s.senders[kind]
	if !ok {
		s.mu.Unlock()
		return false, ErrNoTrack
	}
	off := !*flag
	s.mu.Unlock()

	var track webrtc.TrackLocal
	if !off {
		track = ls.track
	}
	if err := ls.sender.ReplaceTrack(track); err != nil {
		return !off, fmt.Errorf("replace %s track: %w", kind, err)
	}

	s.mu.Lock()
	*flag = off
	s.mu.Unlock()
	log.Printf("CALL [%s]: %s paused=%v", s.id, kind, off)
	return off, nil
}

// Hangup ends the call locally and tells the remote. Idempotent.
func (s *Session) Hangup() {
	s.end(true)
}

// fail ends the session after a fatal error and reports it to the view.
// A call-end is sent when the remote is already waiting on us.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrCallEnded
	}
	tellRemote := s.signaled || !s.outgoing
	s.mu.Unlock()

	log.Printf("CALL [%s]: %v", s.id, err)
	s.notify(Event{Type: EventError, CallID: s.id, Remote: s.remote, Video: s.video, Err: err})
	s.end(tellRemote)
	return err
}

func (s *Session) end(sendCallEnd bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.status = StatusEnded
	stream, pc := s.stream, s.pc
	s.stream, s.pc = nil, nil
	s.pending, s.localPending = nil, nil
	close(s.done)
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", s.id, err)
		}
	}
	if sendCallEnd {
		s.sig.Send(proto.NewCallEnd(s.remote))
	}
	s.sig.Unregister(s.subID)

	log.Printf("CALL [%s]: ended (%s)", s.id, s.remote)
	s.notify(Event{Type: EventEnded, CallID: s.id, Remote: s.remote, Video: s.video, Status: StatusEnded})
}

func (s *Session) String() string {
	return fmt.Sprintf("call %s with %s (%s)", s.id, s.remote, s.Status())
}

// decodeOffer extracts the session description of an offer envelope and
// rejects anything that is not a parseable SDP offer.
func decodeOffer(env proto.Envelope) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := env.DecodeData(&desc); err != nil {
		return desc, &proto.ParseError{Err: fmt.Errorf("offer from %s: %w", env.SenderID, err)}
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return desc, &proto.ParseError{Err: fmt.Errorf("offer from %s: description type %q", env.SenderID, desc.Type)}
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return desc, &proto.ParseError{Err: fmt.Errorf("offer from %s: empty sdp", env.SenderID)}
	}
	if _, err := desc.Unmarshal(); err != nil {
		return desc, &proto.ParseError{Err: fmt.Errorf("offer from %s: %w", env.SenderID, err)}
	}
	return desc, nil
}
