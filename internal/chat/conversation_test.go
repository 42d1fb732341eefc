package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/router"
	"github.com/petervdpas/chatterbox/internal/storage"
)

type fakeTransport struct {
	*router.Router
	mu      sync.Mutex
	sent    []proto.Envelope
	offline bool
}

func newTransport() *fakeTransport { return &fakeTransport{Router: router.New()} }

func (f *fakeTransport) Send(env proto.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeTransport) sentOf(typ string) []proto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.Envelope
	for _, e := range f.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeBackend struct {
	mu        sync.Mutex
	history   []api.Message
	histErr   error
	sendErr   error
	statusErr error
	nextID    int
	statuses  map[string]string
	lastLimit int
}

func (b *fakeBackend) SendMessage(_ context.Context, m api.NewMessage) (api.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return api.Message{}, b.sendErr
	}
	b.nextID++
	return api.Message{
		ID:          fmt.Sprintf("srv-%d", b.nextID),
		SenderID:    "me",
		RecipientID: m.RecipientID,
		GroupID:     m.GroupID,
		Content:     m.Content,
		Timestamp:   "2024-01-01T12:00:00",
		Status:      "sent",
	}, nil
}

func (b *fakeBackend) Conversation(_ context.Context, _ string, limit int) ([]api.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastLimit = limit
	return b.history, b.histErr
}

func (b *fakeBackend) GroupMessages(ctx context.Context, id string, limit int) ([]api.Message, error) {
	return b.Conversation(ctx, id, limit)
}

func (b *fakeBackend) UpdateMessageStatus(_ context.Context, id, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return b.statusErr
	}
	if b.statuses == nil {
		b.statuses = map[string]string{}
	}
	b.statuses[id] = status
	return nil
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(_ time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// fireLast runs the most recent timer unless it was stopped.
func (c *fakeClock) fireLast() {
	c.mu.Lock()
	t := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	if !t.stopped {
		t.fn()
	}
}

type harness struct {
	tr    *fakeTransport
	be    *fakeBackend
	clock *fakeClock
	conv  *Conversation
}

func openConv(t *testing.T, target Target, be *fakeBackend, cache Cache) *harness {
	t.Helper()
	h := &harness{tr: newTransport(), be: be, clock: &fakeClock{}}
	c, err := newConversation(Options{
		Self:      "me",
		Target:    target,
		Transport: h.tr,
		Backend:   be,
		Cache:     cache,
	})
	require.NoError(t, err)
	c.afterFunc = h.clock.afterFunc
	h.tr.Register(c.subID, router.HandlerFunc(c.handleEnvelope))
	c.loadHistory(context.Background())
	h.conv = c
	t.Cleanup(c.Close)
	return h
}

func (h *harness) inbound(env proto.Envelope) {
	h.tr.Dispatch(env)
}

func TestOpenLoadsHistoryAndRegisters(t *testing.T) {
	be := &fakeBackend{history: []api.Message{
		{ID: "m1", SenderID: "bob", RecipientID: "me", Content: "hi", Status: "read"},
		{ID: "m2", SenderID: "me", RecipientID: "bob", Content: "yo"},
	}}
	tr := newTransport()
	c, err := Open(context.Background(), Options{Self: "me", Target: Target{ID: "bob"}, Transport: tr, Backend: be})
	require.NoError(t, err)
	require.True(t, tr.Has("chat-bob"))
	require.Equal(t, DefaultHistoryLimit, be.lastLimit)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.False(t, msgs[0].Outgoing)
	require.True(t, msgs[1].Outgoing)
	require.Equal(t, "sent", msgs[1].Status)

	c.Close()
	c.Close()
	require.False(t, tr.Has("chat-bob"))
}

func TestHistoryFallsBackToCache(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.SaveMessage(storage.MessageRow{
		ID: "old", Conversation: storage.UserConversation("bob"), SenderID: "bob", Content: "cached", Timestamp: "t0",
	}))

	h := openConv(t, Target{ID: "bob"}, &fakeBackend{histErr: errors.New("offline")}, db)
	msgs := h.conv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "cached", msgs[0].Content)
}

func TestInboundMessagesAreFiltered(t *testing.T) {
	h := openConv(t, Target{ID: "bob"}, &fakeBackend{}, nil)
	events, cancel := h.conv.Subscribe()
	defer cancel()

	h.inbound(proto.Envelope{Type: proto.TypeMessage, SenderID: "carol", Content: "not for this view", MessageID: "x"})
	h.inbound(proto.Envelope{Type: proto.TypeMessage, SenderID: "bob", GroupID: "g1", Content: "group", MessageID: "y"})
	h.inbound(proto.Envelope{Type: proto.TypeMessage, SenderID: "bob", Content: "hello", MessageID: "m1", Timestamp: "t"})

	msgs := h.conv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, proto.DeliveryDelivered, msgs[0].Status)
	require.Equal(t, "me", msgs[0].RecipientID)

	receipts := h.tr.sentOf(proto.TypeStatus)
	require.Len(t, receipts, 1)
	require.Equal(t, proto.NewStatus("bob", "m1", proto.DeliveryDelivered), receipts[0])

	ev := <-events
	require.Equal(t, EventMessage, ev.Type)
	require.Equal(t, "m1", ev.Message.ID)

	// Duplicate frames are dropped.
	h.inbound(proto.Envelope{Type: proto.TypeMessage, SenderID: "bob", Content: "hello", MessageID: "m1"})
	require.Len(t, h.conv.Messages(), 1)
}

func TestMessageWithoutIDGetsGeneratedIDAndNoReceipt(t *testing.T) {
	h := openConv(t, Target{Kind: KindGroup, ID: "g1"}, &fakeBackend{}, nil)
	h.inbound(proto.Envelope{Type: proto.TypeMessage, SenderID: "bob", GroupID: "g1", Content: "hey"})

	msgs := h.conv.Messages()
	require.Len(t, msgs, 1)
	require.NotEmpty(t, msgs[0].ID)
	require.Empty(t, h.tr.sentOf(proto.TypeStatus))

	n, err := h.conv.MarkRead(context.Background())
	require.NoError(t, err)
	require.Zero(t, n, "locally generated ids are unknown to the server")
}

func TestTypingIndicatorFromRemote(t *testing.T) {
	h := openConv(t, Target{ID: "bob"}, &fakeBackend{}, nil)
	typing := true
	h.inbound(proto.Envelope{Type: proto.TypeTyping, UserID: "carol", IsTyping: &typing})
	require.False(t, h.conv.RemoteTyping())
	h.inbound(proto.Envelope{Type: proto.TypeTyping, UserID: "bob", IsTyping: &typing})
	require.True(t, h.conv.RemoteTyping())
	h.inbound(proto.Envelope{Type: proto.TypeTyping, UserID: "bob"})
	require.False(t, h.conv.RemoteTyping())
}

func TestStatusUpdatesKnownMessages(t *testing.T) {
	be := &fakeBackend{history: []api.Message{{ID: "m1", SenderID: "me", RecipientID: "bob", Content: "hi"}}}
	h := openConv(t, Target{ID: "bob"}, be, nil)
	events, cancel := h.conv.Subscribe()
	defer cancel()

	h.inbound(proto.Envelope{Type: proto.TypeStatus, MessageID: "unknown", Status: proto.DeliveryRead})
	h.inbound(proto.Envelope{Type: proto.TypeStatus, MessageID: "m1", Status: proto.DeliveryRead})

	require.Equal(t, proto.DeliveryRead, h.conv.Messages()[0].Status)
	ev := <-events
	require.Equal(t, Event{Type: EventStatus, MessageID: "m1", Status: proto.DeliveryRead}, ev)
}

func TestSendPersistsThenRelays(t *testing.T) {
	be := &fakeBackend{}
	h := openConv(t, Target{ID: "bob"}, be, nil)

	_, err := h.conv.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	h.conv.Typing()
	m, err := h.conv.Send(context.Background(), " hi bob ")
	require.NoError(t, err)
	require.Equal(t, "srv-1", m.ID)
	require.True(t, m.Outgoing)

	relayed := h.tr.sentOf(proto.TypeMessage)
	require.Len(t, relayed, 1)
	require.Equal(t, proto.NewUserMessage("bob", "hi bob", "2024-01-01T12:00:00", "srv-1"), relayed[0])

	typing := h.tr.sentOf(proto.TypeTyping)
	require.Len(t, typing, 2)
	require.False(t, typing[1].Typing(), "sending clears the typing indicator")

	be.sendErr = errors.New("500")
	_, err = h.conv.Send(context.Background(), "lost")
	require.Error(t, err)
	require.Len(t, h.tr.sentOf(proto.TypeMessage), 1, "nothing relayed when persisting fails")
	require.Len(t, h.conv.Messages(), 1)
}

func TestSendToGroup(t *testing.T) {
	h := openConv(t, Target{Kind: KindGroup, ID: "g1"}, &fakeBackend{}, nil)
	_, err := h.conv.Send(context.Background(), "all")
	require.NoError(t, err)
	relayed := h.tr.sentOf(proto.TypeMessage)
	require.Len(t, relayed, 1)
	require.Equal(t, "g1", relayed[0].GroupID)
	require.Empty(t, relayed[0].RecipientID)

	h.conv.Typing()
	require.Empty(t, h.tr.sentOf(proto.TypeTyping), "groups carry no typing indicator")
}

func TestTypingDebounce(t *testing.T) {
	h := openConv(t, Target{ID: "bob"}, &fakeBackend{}, nil)

	h.conv.Typing()
	h.conv.Typing()
	h.conv.Typing()
	typing := h.tr.sentOf(proto.TypeTyping)
	require.Len(t, typing, 1)
	require.True(t, typing[0].Typing())
	require.Len(t, h.clock.timers, 3)
	require.True(t, h.clock.timers[0].stopped)
	require.True(t, h.clock.timers[1].stopped)

	h.clock.fireLast()
	typing = h.tr.sentOf(proto.TypeTyping)
	require.Len(t, typing, 2)
	require.False(t, typing[1].Typing())

	// A stale timer firing late does nothing.
	h.clock.timers[0].fn()
	require.Len(t, h.tr.sentOf(proto.TypeTyping), 2)
}

func TestCloseClearsTyping(t *testing.T) {
	h := openConv(t, Target{ID: "bob"}, &fakeBackend{}, nil)
	events, _ := h.conv.Subscribe()

	h.conv.Typing()
	h.conv.Close()
	typing := h.tr.sentOf(proto.TypeTyping)
	require.Len(t, typing, 2)
	require.False(t, typing[1].Typing())
	require.True(t, h.clock.timers[0].stopped)
	require.False(t, h.tr.Has("chat-bob"))

	_, open := <-events
	require.False(t, open)

	_, err := h.conv.Send(context.Background(), "late")
	require.ErrorIs(t, err, ErrClosed)
}

func TestMarkRead(t *testing.T) {
	be := &fakeBackend{history: []api.Message{
		{ID: "m1", SenderID: "bob", Content: "one", Status: "delivered"},
		{ID: "m2", SenderID: "bob", Content: "two", Status: "read"},
		{ID: "m3", SenderID: "me", Content: "mine"},
	}}
	h := openConv(t, Target{ID: "bob"}, be, nil)

	n, err := h.conv.MarkRead(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, map[string]string{"m1": "read"}, be.statuses)
	require.Equal(t, []proto.Envelope{proto.NewStatus("bob", "m1", proto.DeliveryRead)}, h.tr.sentOf(proto.TypeStatus))
	require.Equal(t, proto.DeliveryRead, h.conv.Messages()[0].Status)

	n, err = h.conv.MarkRead(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMarkReadSkipsGroups(t *testing.T) {
	be := &fakeBackend{history: []api.Message{
		{ID: "g1", SenderID: "u2", GroupID: "grp", Content: "hello all", Status: "delivered"},
	}}
	h := openConv(t, Target{Kind: KindGroup, ID: "grp"}, be, nil)
	require.Len(t, h.conv.Messages(), 1)

	n, err := h.conv.MarkRead(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, be.statuses, "no status update for group posts")
	require.Empty(t, h.tr.sentOf(proto.TypeStatus), "no direct receipt for group posts")
	require.Equal(t, "delivered", h.conv.Messages()[0].Status)
}

func TestMarkReadKeepsGoingOnErrors(t *testing.T) {
	be := &fakeBackend{history: []api.Message{{ID: "m1", SenderID: "bob", Content: "one"}}}
	h := openConv(t, Target{ID: "bob"}, be, nil)
	be.statusErr = errors.New("boom")

	n, err := h.conv.MarkRead(context.Background())
	require.Error(t, err)
	require.Zero(t, n)
	require.Empty(t, h.tr.sentOf(proto.TypeStatus))
	require.Equal(t, "sent", h.conv.Messages()[0].Status)
}
