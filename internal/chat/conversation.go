// Package chat is the view model of one open conversation: it keeps the
// message list, follows the relevant realtime traffic and sends receipts and
// typing indicators.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/router"
	"github.com/petervdpas/chatterbox/internal/storage"
	"github.com/petervdpas/chatterbox/internal/util"
)

const (
	DefaultBufferSize   = 200
	DefaultHistoryLimit = 50
	DefaultTypingIdle   = 2 * time.Second
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrClosed       = errors.New("chat: conversation is closed")
)

// Transport sends envelopes over the realtime connection and owns the
// subscriber registry.
type Transport interface {
	Send(env proto.Envelope) bool
	Register(id string, h router.Handler)
	Unregister(id string)
}

// Backend persists messages. *api.Client implements it.
type Backend interface {
	SendMessage(ctx context.Context, m api.NewMessage) (api.Message, error)
	Conversation(ctx context.Context, userID string, limit int) ([]api.Message, error)
	GroupMessages(ctx context.Context, groupID string, limit int) ([]api.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID, status string) error
}

// Cache is the local history store. *storage.DB implements it.
type Cache interface {
	SaveMessage(m storage.MessageRow) error
	UpdateMessageStatus(id, status string) error
	Conversation(key string, limit int) ([]storage.MessageRow, error)
}

type Options struct {
	Self      string // signed-in user id
	Target    Target
	Transport Transport
	Backend   Backend
	Cache     Cache // optional

	BufferSize   int
	HistoryLimit int
	TypingIdle   time.Duration
}

type timer interface {
	Stop() bool
}

// Conversation follows one user or group conversation.
type Conversation struct {
	opts  Options
	subID string

	afterFunc func(time.Duration, func()) timer

	mu           sync.Mutex
	messages     *util.RingBuffer[*Message]
	remoteTyping bool
	typing       bool
	typingTimer  timer
	typingSeq    uint64
	closed       bool

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}
}

// Open registers the conversation with the router and loads its history.
// History comes from the server and falls back to the local cache when the
// server cannot be reached.
func Open(ctx context.Context, opts Options) (*Conversation, error) {
	c, err := newConversation(opts)
	if err != nil {
		return nil, err
	}
	c.opts.Transport.Register(c.subID, router.HandlerFunc(c.handleEnvelope))
	c.loadHistory(ctx)
	return c, nil
}

func newConversation(opts Options) (*Conversation, error) {
	if opts.Transport == nil || opts.Backend == nil {
		return nil, errors.New("chat: transport and backend are required")
	}
	if opts.Target.ID == "" || opts.Self == "" {
		return nil, errors.New("chat: target and self ids are required")
	}
	if opts.Target.Kind != KindGroup {
		opts.Target.Kind = KindUser
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = DefaultTypingIdle
	}
	return &Conversation{
		opts:      opts,
		subID:     "chat-" + opts.Target.ID,
		afterFunc: func(d time.Duration, fn func()) timer { return time.AfterFunc(d, fn) },
		messages:  util.NewRingBuffer[*Message](opts.BufferSize),
		listeners: make(map[chan Event]struct{}),
	}, nil
}

func (c *Conversation) Target() Target { return c.opts.Target }

// SubscriberID is the router key of this conversation.
func (c *Conversation) SubscriberID() string { return c.subID }

// Messages returns a copy of the message list, oldest first.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.messages.Snapshot()
	out := make([]Message, len(snap))
	for i, m := range snap {
		out[i] = *m
	}
	return out
}

// RemoteTyping reports whether the other user is typing.
func (c *Conversation) RemoteTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteTyping
}

func (c *Conversation) loadHistory(ctx context.Context) {
	var (
		history []*Message
		msgs    []api.Message
		err     error
	)
	t := c.opts.Target
	if t.Kind == KindGroup {
		msgs, err = c.opts.Backend.GroupMessages(ctx, t.ID, c.opts.HistoryLimit)
	} else {
		msgs, err = c.opts.Backend.Conversation(ctx, t.ID, c.opts.HistoryLimit)
	}
	if err == nil {
		for _, m := range msgs {
			history = append(history, fromAPI(m, c.opts.Self))
		}
		c.cacheAll(history)
	} else {
		log.Printf("CHAT [%s]: history request failed, using cache: %v", t.ID, err)
		history = c.cachedHistory()
	}

	c.mu.Lock()
	// Live messages that arrived while loading are kept after the history.
	live := c.messages.Reset()
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.ID] = true
		c.messages.Push(m)
	}
	for _, m := range live {
		if !seen[m.ID] {
			c.messages.Push(m)
		}
	}
	c.mu.Unlock()
}

func (c *Conversation) cachedHistory() []*Message {
	if c.opts.Cache == nil {
		return nil
	}
	rows, err := c.opts.Cache.Conversation(c.opts.Target.cacheKey(), c.opts.HistoryLimit)
	if err != nil {
		log.Printf("CHAT [%s]: cache read failed: %v", c.opts.Target.ID, err)
		return nil
	}
	out := make([]*Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r, c.opts.Self))
	}
	return out
}

func (c *Conversation) cacheAll(msgs []*Message) {
	for _, m := range msgs {
		c.cache(m)
	}
}

func (c *Conversation) cache(m *Message) {
	if c.opts.Cache == nil {
		return
	}
	if err := c.opts.Cache.SaveMessage(m.row(c.opts.Target.cacheKey())); err != nil {
		log.Printf("CHAT [%s]: cache write failed: %v", c.opts.Target.ID, err)
	}
}

// handleEnvelope receives every routed envelope and keeps the ones that
// belong to this conversation.
func (c *Conversation) handleEnvelope(env proto.Envelope) error {
	switch env.Type {
	case proto.TypeMessage:
		if !c.owns(env) {
			return nil
		}
		c.onMessage(env)
	case proto.TypeTyping:
		if c.opts.Target.Kind != KindUser || env.UserID != c.opts.Target.ID {
			return nil
		}
		c.onTyping(env.Typing())
	case proto.TypeStatus:
		if env.MessageID != "" {
			c.setStatus(env.MessageID, env.Status, true)
		}
	}
	return nil
}

func (c *Conversation) owns(env proto.Envelope) bool {
	t := c.opts.Target
	if t.Kind == KindGroup {
		return env.GroupID == t.ID
	}
	return env.GroupID == "" && env.SenderID == t.ID
}

func (c *Conversation) onMessage(env proto.Envelope) {
	m := fromEnvelope(env)
	if m.GroupID == "" {
		m.RecipientID = c.opts.Self
	}

	c.mu.Lock()
	if c.closed || c.hasLocked(m.ID) {
		c.mu.Unlock()
		return
	}
	c.messages.Push(m)
	cp := *m
	c.mu.Unlock()

	if !m.localID {
		c.cache(m)
		if !c.opts.Transport.Send(proto.NewStatus(m.SenderID, m.ID, proto.DeliveryDelivered)) {
			log.Printf("CHAT [%s]: delivery receipt for %s not sent (offline)", c.opts.Target.ID, m.ID)
		}
	}
	c.publish(Event{Type: EventMessage, Message: cp})
}

func (c *Conversation) onTyping(typing bool) {
	c.mu.Lock()
	if c.closed || c.remoteTyping == typing {
		c.mu.Unlock()
		return
	}
	c.remoteTyping = typing
	c.mu.Unlock()
	c.publish(Event{Type: EventTyping, Typing: typing})
}

// setStatus updates a known message. Unknown ids are ignored.
func (c *Conversation) setStatus(id, status string, notify bool) bool {
	if status == "" {
		return false
	}
	c.mu.Lock()
	m := c.findLocked(id)
	if m == nil || c.closed {
		c.mu.Unlock()
		return false
	}
	m.Status = status
	c.mu.Unlock()

	if c.opts.Cache != nil {
		if err := c.opts.Cache.UpdateMessageStatus(id, status); err != nil {
			log.Printf("CHAT [%s]: cache status update failed: %v", c.opts.Target.ID, err)
		}
	}
	if notify {
		c.publish(Event{Type: EventStatus, MessageID: id, Status: status})
	}
	return true
}

func (c *Conversation) findLocked(id string) *Message {
	m, _ := c.messages.Find(func(m *Message) bool { return m.ID == id })
	return m
}

func (c *Conversation) hasLocked(id string) bool {
	return c.findLocked(id) != nil
}

// Send persists content through the backend, appends it and relays it to
// the other side. Nothing is relayed when persisting fails.
func (c *Conversation) Send(ctx context.Context, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	if c.isClosed() {
		return Message{}, ErrClosed
	}

	t := c.opts.Target
	req := api.NewMessage{Content: content}
	if t.Kind == KindGroup {
		req.GroupID = t.ID
	} else {
		req.RecipientID = t.ID
	}
	saved, err := c.opts.Backend.SendMessage(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	m := fromAPI(saved, c.opts.Self)
	m.Outgoing = true
	if m.SenderID == "" {
		m.SenderID = c.opts.Self
	}
	if m.Content == "" {
		m.Content = content
	}

	c.mu.Lock()
	if !c.hasLocked(m.ID) {
		c.messages.Push(m)
	}
	cp := *m
	c.mu.Unlock()
	c.cache(m)

	var env proto.Envelope
	if t.Kind == KindGroup {
		env = proto.NewGroupMessage(t.ID, m.Content, m.Timestamp, m.ID)
	} else {
		env = proto.NewUserMessage(t.ID, m.Content, m.Timestamp, m.ID)
	}
	if !c.opts.Transport.Send(env) {
		log.Printf("CHAT [%s]: message %s saved but not relayed (offline)", t.ID, m.ID)
	}
	c.stopTyping()
	c.publish(Event{Type: EventMessage, Message: cp})
	return cp, nil
}

// Typing signals a keystroke. The first keystroke sends typing:true; the
// indicator is cleared after the idle interval without further keystrokes.
// Group conversations carry no typing indicator.
func (c *Conversation) Typing() {
	if c.opts.Target.Kind != KindUser {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	start := !c.typing
	c.typing = true
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingSeq++
	seq := c.typingSeq
	c.typingTimer = c.afterFunc(c.opts.TypingIdle, func() { c.typingIdle(seq) })
	c.mu.Unlock()

	if start {
		c.opts.Transport.Send(proto.NewTyping(c.opts.Target.ID, true))
	}
}

func (c *Conversation) typingIdle(seq uint64) {
	c.mu.Lock()
	if seq != c.typingSeq || !c.typing {
		c.mu.Unlock()
		return
	}
	c.typing = false
	c.typingTimer = nil
	c.mu.Unlock()
	c.opts.Transport.Send(proto.NewTyping(c.opts.Target.ID, false))
}

// stopTyping cancels the idle timer and sends typing:false if needed.
func (c *Conversation) stopTyping() {
	c.mu.Lock()
	was := c.typing
	c.typing = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingSeq++
	c.mu.Unlock()
	if was {
		c.opts.Transport.Send(proto.NewTyping(c.opts.Target.ID, false))
	}
}

// MarkRead marks every received, server-known message as read and tells
// each sender. It returns how many messages were marked. Group messages
// have no recipient on the server, so group conversations mark nothing.
func (c *Conversation) MarkRead(ctx context.Context) (int, error) {
	if c.opts.Target.Kind != KindUser {
		return 0, nil
	}
	c.mu.Lock()
	var pending []Message
	for _, m := range c.messages.Snapshot() {
		if !m.Outgoing && !m.localID && m.Status != proto.DeliveryRead {
			pending = append(pending, *m)
		}
	}
	c.mu.Unlock()

	var (
		marked  int
		lastErr error
	)
	for _, m := range pending {
		if err := c.opts.Backend.UpdateMessageStatus(ctx, m.ID, proto.DeliveryRead); err != nil {
			log.Printf("CHAT [%s]: mark %s read: %v", c.opts.Target.ID, m.ID, err)
			lastErr = err
			continue
		}
		if !c.setStatus(m.ID, proto.DeliveryRead, false) {
			continue
		}
		c.opts.Transport.Send(proto.NewStatus(m.SenderID, m.ID, proto.DeliveryRead))
		marked++
	}
	return marked, lastErr
}

// Close unregisters the conversation and clears our typing indicator.
// Subsequent calls do nothing.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	was := c.typing
	c.typing = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingSeq++
	c.mu.Unlock()

	if was {
		c.opts.Transport.Send(proto.NewTyping(c.opts.Target.ID, false))
	}
	c.opts.Transport.Unregister(c.subID)

	c.listenerMu.Lock()
	for ch := range c.listeners {
		close(ch)
	}
	c.listeners = map[chan Event]struct{}{}
	c.listenerMu.Unlock()
}

func (c *Conversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe returns a channel of conversation events and a cancel func.
func (c *Conversation) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)
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

func (c *Conversation) publish(ev Event) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
