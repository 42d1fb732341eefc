// Package call manages WebRTC call sessions using Pion. Coupling to the rest
// of chatterbox is via the Signaler interface only.
package call

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/router"
)

// incomingID is the router subscription that turns offers into callee
// sessions while no call is active.
const incomingID = "call-incoming"

// Options configures a Manager.
type Options struct {
	Signaler   Signaler
	Media      MediaSource
	NewPeer    PeerFactory
	ICEServers []webrtc.ICEServer
	// RecordDir, when set, receives remote media as IVF/Ogg files.
	RecordDir string
}

// Manager owns at most one call session and bridges signaling to it.
type Manager struct {
	sig       Signaler
	media     MediaSource
	newPeer   PeerFactory
	recordDir string

	mu         sync.Mutex
	iceServers []webrtc.ICEServer
	active     *Session
	closed     bool

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}
}

// NewManager creates a Manager and starts accepting incoming offers.
func NewManager(opts Options) (*Manager, error) {
	if opts.Signaler == nil || opts.Media == nil {
		return nil, errors.New("call: signaler and media source are required")
	}
	if opts.NewPeer == nil {
		opts.NewPeer = NewPeerFactory(opts.Media.RegisterCodecs, ICETimeouts{})
	}
	ice := opts.ICEServers
	if len(ice) == 0 {
		ice = DefaultICEServers()
	}
	m := &Manager{
		sig:        opts.Signaler,
		media:      opts.Media,
		newPeer:    opts.NewPeer,
		recordDir:  opts.RecordDir,
		iceServers: ice,
		listeners:  make(map[chan Event]struct{}),
	}
	m.sig.Register(incomingID, router.Filter(func(env proto.Envelope) bool {
		return env.Type == proto.TypeOffer
	}, router.HandlerFunc(m.handleOffer)))
	return m, nil
}

// SetICEServers replaces the ICE configuration used by the next call.
func (m *Manager) SetICEServers(servers []webrtc.ICEServer) {
	if len(servers) == 0 {
		servers = DefaultICEServers()
	}
	m.mu.Lock()
	m.iceServers = servers
	m.mu.Unlock()
	log.Printf("CALL: %d ICE servers configured", len(servers))
}

// StartCall places a call to remote and blocks until the offer is sent or
// the attempt fails. A MediaError means local capture was unavailable; the
// session has already been torn down in that case.
func (m *Manager) StartCall(ctx context.Context, remote string, video bool) (*Session, error) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return nil, errors.New("call: remote user is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrCallEnded
	}
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	sess := m.newSessionLocked(remote, video, nil)
	m.mu.Unlock()

	log.Printf("CALL [%s]: calling %s (video=%v)", sess.id, remote, video)
	if err := sess.run(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Hangup ends the active call.
func (m *Manager) Hangup() error {
	sess := m.Active()
	if sess == nil {
		return ErrNoCall
	}
	sess.Hangup()
	return nil
}

// Subscribe returns a channel of call events. Events are dropped for slow
// subscribers.
func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()

	cancel = func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// Close stops accepting offers, hangs up the active call and releases
// subscribers.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sess := m.active
	m.mu.Unlock()

	m.sig.Unregister(incomingID)
	if sess != nil {
		sess.Hangup()
	}

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = map[chan Event]struct{}{}
	m.listenerMu.Unlock()
}

// handleOffer accepts an offer implicitly when no call is active. The
// session is answered on its own goroutine since capture may block.
func (m *Manager) handleOffer(env proto.Envelope) error {
	if env.SenderID == "" {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.active != nil {
		busy := m.active.remote != env.SenderID
		m.mu.Unlock()
		if busy {
			log.Printf("CALL: busy, ignoring offer from %s", env.SenderID)
		}
		return nil
	}
	desc, err := decodeOffer(env)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	video := offersVideo(desc.SDP)
	sess := m.newSessionLocked(env.SenderID, video, &desc)
	m.mu.Unlock()

	log.Printf("CALL [%s]: incoming call from %s (video=%v)", sess.id, env.SenderID, video)
	m.publish(Event{Type: EventIncoming, CallID: sess.id, Remote: sess.remote, Video: video, Status: StatusInitializing})
	go func() {
		if err := sess.run(context.Background()); err != nil {
			log.Printf("CALL [%s]: accept failed: %v", sess.id, err)
		}
	}()
	return nil
}

// newSessionLocked creates the session, makes it active and installs its
// router subscription. m.mu must be held.
func (m *Manager) newSessionLocked(remote string, video bool, offer *webrtc.SessionDescription) *Session {
	var sess *Session
	sess = newSession(sessionConfig{
		remote:     remote,
		video:      video,
		offer:      offer,
		sig:        m.sig,
		media:      m.media,
		newPeer:    m.newPeer,
		iceServers: append([]webrtc.ICEServer(nil), m.iceServers...),
		recordDir:  m.recordDir,
		notify:     func(ev Event) { m.onSessionEvent(sess, ev) },
	})
	m.active = sess
	sess.subscribe()
	return sess
}

func (m *Manager) onSessionEvent(sess *Session, ev Event) {
	if ev.Type == EventEnded {
		m.mu.Lock()
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()
	}
	m.publish(ev)
}

func (m *Manager) publish(ev Event) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for ch := range m.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// offersVideo reports whether an SDP carries a video media section.
func offersVideo(sdp string) bool {
	for _, line := range strings.Split(sdp, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "m=video ") {
			return true
		}
	}
	return false
}
