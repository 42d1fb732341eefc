// Package realtime owns the single persistent websocket to the chat server.
// Inbound user_status envelopes feed the presence set; everything else is
// handed verbatim to the router. Outbound sends are best effort: nothing is
// queued while disconnected.
package realtime

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/util"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PresenceSink receives user_status envelopes.
type PresenceSink interface {
	Apply(env proto.Envelope) bool
}

// Dispatcher receives every other inbound envelope.
type Dispatcher interface {
	Dispatch(env proto.Envelope) int
}

// Options configures a Conn. Zero durations take the defaults below.
type Options struct {
	// URL is the websocket base; the bearer token is appended as the last
	// path segment, e.g. ws://localhost:8000/ws/<token>.
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval > 0 enables keepalive pings; a missing pong for two
	// intervals closes the socket.
	PingInterval time.Duration

	Presence PresenceSink
	Router   Dispatcher
}

const (
	DefaultReconnectDelay   = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

type timer interface {
	Stop() bool
}

// Conn is the transport connection. All methods are safe for concurrent use.
type Conn struct {
	opts      Options
	base      string
	dialer    *websocket.Dialer
	afterFunc func(time.Duration, func()) timer

	mu    sync.Mutex
	state State
	token string
	ws    *websocket.Conn
	// gen identifies the current socket attempt; events from older
	// attempts are ignored.
	gen uint64
	// reconnect is the single pending reconnect timer, if any.
	reconnect    timer
	reconnectSeq uint64

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan State]struct{}
}

// New validates opts and returns a disconnected Conn.
func New(opts Options) (*Conn, error) {
	base, err := util.NormalizeWSURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Conn{
		opts: opts,
		base: base,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		afterFunc: func(d time.Duration, fn func()) timer { return time.AfterFunc(d, fn) },
		listeners: make(map[chan State]struct{}),
	}, nil
}

// Connect opens the socket authenticated with token. It returns immediately;
// progress is reported through Subscribe. No-op when token is empty or a
// connection is already open or in flight.
func (c *Conn) Connect(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.token = token
	c.cancelReconnectLocked()
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	go c.run(gen, token)
}

// Disconnect tears the transport down after authentication is revoked: the
// pending reconnect is cancelled, the token forgotten and the socket closed.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.token = ""
	c.cancelReconnectLocked()
	c.gen++
	ws := c.ws
	c.ws = nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(util.ShortTimeout))
	_ = ws.Close()
	log.Printf("REALTIME: disconnected (logout)")
}

// Close disconnects and releases state subscribers.
func (c *Conn) Close() {
	c.Disconnect()
	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = map[chan State]struct{}{}
	c.listenerMu.Unlock()
}

// Send transmits env if the socket is connected and reports whether it was
// written. Envelopes sent while disconnected are dropped.
func (c *Conn) Send(env proto.Envelope) bool {
	b, err := proto.Encode(env)
	if err != nil {
		log.Printf("REALTIME: encode %s: %v", env.Type, err)
		return false
	}

	c.mu.Lock()
	ws := c.ws
	if c.state != Connected {
		ws = nil
	}
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Printf("REALTIME: send %s failed: %v", env.Type, err)
		// The read loop sees the closed socket and schedules the reconnect.
		_ = ws.Close()
		return false
	}
	return true
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (c *Conn) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

// Subscribe returns a channel that receives every state transition.
func (c *Conn) Subscribe() (ch chan State, cancel func()) {
	ch = make(chan State, 16)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

func (c *Conn) run(gen uint64, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	ws, _, err := c.dialer.DialContext(ctx, c.endpoint(token), nil)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		// Logged out or superseded while dialing.
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		log.Printf("REALTIME: connect to %s failed: %v", c.redacted(token), err)
		c.onClose(gen)
		return
	}
	c.ws = ws
	c.setStateLocked(Connected)
	c.mu.Unlock()
	log.Printf("REALTIME: connected to %s", c.redacted(token))

	stop := make(chan struct{})
	if c.opts.PingInterval > 0 {
		wait := 2 * c.opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		go c.keepalive(ws, stop)
	}

	c.readLoop(ws)
	close(stop)
	_ = ws.Close()
	c.onClose(gen)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				log.Printf("REALTIME: read: %v", err)
			}
			return
		}
		c.onMessage(data)
	}
}

// onMessage decodes one frame and routes it. Malformed frames are dropped.
func (c *Conn) onMessage(data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		log.Printf("REALTIME: dropping frame: %v", err)
		return
	}
	if env.Type == proto.TypeUserStatus {
		if c.opts.Presence != nil {
			c.opts.Presence.Apply(env)
		}
		return
	}
	if c.opts.Router != nil {
		c.opts.Router.Dispatch(env)
	}
}

// onClose handles the end of socket attempt gen: the state drops to
// Disconnected and, while a token is held, exactly one reconnect is armed.
func (c *Conn) onClose(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.ws = nil
	c.setStateLocked(Disconnected)
	if c.token != "" {
		c.scheduleReconnectLocked()
	}
}

func (c *Conn) scheduleReconnectLocked() {
	c.cancelReconnectLocked()
	seq := c.reconnectSeq
	c.reconnect = c.afterFunc(c.opts.ReconnectDelay, func() { c.fireReconnect(seq) })
	log.Printf("REALTIME: reconnecting in %s", c.opts.ReconnectDelay)
}

func (c *Conn) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	// Invalidate a callback that already fired and is waiting on c.mu.
	c.reconnectSeq++
}

func (c *Conn) fireReconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.reconnectSeq || c.reconnect == nil {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	token := c.token
	c.mu.Unlock()

	c.Connect(token)
}

func (c *Conn) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("REALTIME: ping failed: %v", err)
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Conn) endpoint(token string) string {
	return c.base + url.PathEscape(token)
}

func (c *Conn) redacted(token string) string {
	return c.base + util.Redact(token)
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s

	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	c.listenerMu.RUnlock()
}
