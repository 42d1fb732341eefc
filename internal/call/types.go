package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/router"
)

// Status is the call state reported to the view.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusCalling      Status = "calling"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusEnded        Status = "ended"
)

// Signaler is the only surface the call package needs from the realtime layer.
// The adapter in app/run.go joins the transport (Send) and the router
// (Register/Unregister); it is the only place that imports both packages.
type Signaler interface {
	Send(env proto.Envelope) bool
	Register(id string, h router.Handler)
	Unregister(id string)
}

var (
	ErrCallActive = errors.New("a call is already active")
	ErrNoCall     = errors.New("no active call")
	ErrCallEnded  = errors.New("call has ended")
	ErrNoTrack    = errors.New("no local track of that kind")
)

// MediaError reports that local capture could not be acquired. It is fatal
// to the call attempt.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string { return "media acquisition: " + e.Err.Error() }
func (e *MediaError) Unwrap() error { return e.Err }

// NegotiationError reports a failing SDP or candidate step.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err) }
func (e *NegotiationError) Unwrap() error { return e.Err }

// PeerConn is the subset of *webrtc.PeerConnection a session drives.
type PeerConn interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// TrackSender lets a session swap the outgoing track (nil pauses sending).
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerFactory creates one peer connection per call.
type PeerFactory func(iceServers []webrtc.ICEServer) (PeerConn, error)

// MediaSource acquires local capture.
type MediaSource interface {
	// RegisterCodecs adds the codecs the source encodes to m.
	RegisterCodecs(m *webrtc.MediaEngine) error
	// Acquire opens the microphone, and the camera when video is set.
	Acquire(ctx context.Context, video bool) (LocalStream, error)
}

// LocalStream is the exclusively owned capture handle of one session.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// EventType tags call events published to the view.
type EventType string

const (
	EventIncoming EventType = "incoming"
	EventStatus   EventType = "status"
	EventEnded    EventType = "ended"
	EventError    EventType = "error"
)

// Event is one call notification.
type Event struct {
	Type   EventType
	CallID string
	Remote string
	Video  bool
	Status Status
	Err    error
}

// DefaultICEServers is the fixed STUN configuration used when none is set.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}
