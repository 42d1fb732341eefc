package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICETimeouts are passed to the pion SettingEngine. Zero values keep pion's
// defaults.
type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration
}

// NewPeerFactory returns a factory building pion peer connections whose media
// engine is populated by registerCodecs.
func NewPeerFactory(registerCodecs func(*webrtc.MediaEngine) error, t ICETimeouts) PeerFactory {
	return func(iceServers []webrtc.ICEServer) (PeerConn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := registerCodecs(mediaEngine); err != nil {
			return nil, err
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		// Generous ICE timeouts so a brief NAT hiccup does not end the call.
		se := webrtc.SettingEngine{}
		if t.Disconnected > 0 && t.Failed > 0 {
			se.SetICETimeouts(t.Disconnected, t.Failed, t.Keepalive)
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)

		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return &pionPeer{PeerConnection: pc}, nil
	}
}

// pionPeer adapts *webrtc.PeerConnection to PeerConn.
type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// RTCP from the remote must be read for interceptors (NACK, reports)
	// to make progress.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.PeerConnection.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.PeerConnection.CreateAnswer(nil)
}
