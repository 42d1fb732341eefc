package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/auth"
	"github.com/petervdpas/chatterbox/internal/avatar"
	"github.com/petervdpas/chatterbox/internal/config"
	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/realtime"
	"github.com/petervdpas/chatterbox/internal/router"
	"github.com/petervdpas/chatterbox/internal/state"
	"github.com/petervdpas/chatterbox/internal/storage"
)

func TestLogBufferSplitsLinesAndTails(t *testing.T) {
	b := NewLogBuffer(3)
	ch, cancel := b.Subscribe()
	defer cancel()

	fmt.Fprint(b, "one\ntw")
	fmt.Fprint(b, "o\r\n\n")
	fmt.Fprint(b, "three\nfour\n")

	tail := b.Tail(2)
	require.Len(t, tail, 2)
	require.Equal(t, "three", tail[0].Msg)
	require.Equal(t, "four", tail[1].Msg)
	require.Len(t, b.Tail(0), 3)
	require.Equal(t, "two", b.Tail(0)[0].Msg)

	require.Equal(t, "one", (<-ch).Msg)
	require.Equal(t, "two", (<-ch).Msg)
}

// fakeServer is a minimal chat server REST surface.
type fakeServer struct {
	mu       sync.Mutex
	messages []api.NewMessage
	accepted []string
	profile  []api.ProfileUpdate
}

func (s *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux.HandleFunc("/api/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			write(w, map[string]string{"detail": "Incorrect username or password"})
			return
		}
		write(w, api.Token{AccessToken: "tok-alice", TokenType: "bearer"})
	})
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-alice" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		me := api.User{ID: "u1", Username: "alice", Email: "a@example.com"}
		if r.Method == http.MethodPatch {
			var p api.ProfileUpdate
			_ = json.NewDecoder(r.Body).Decode(&p)
			s.mu.Lock()
			s.profile = append(s.profile, p)
			s.mu.Unlock()
			if p.Username != "" {
				me.Username = p.Username
			}
		}
		write(w, me)
	})
	mux.HandleFunc("/api/friends/", func(w http.ResponseWriter, r *http.Request) {
		write(w, []api.User{{ID: "u2", Username: "bob"}})
	})
	mux.HandleFunc("/api/friends/requests", func(w http.ResponseWriter, r *http.Request) {
		write(w, []api.FriendRequest{{ID: "fr1", FromUser: api.User{ID: "u3", Username: "carol"}}})
	})
	mux.HandleFunc("/api/friends/requests/fr1/accept", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.accepted = append(s.accepted, "fr1")
		s.mu.Unlock()
		write(w, map[string]string{"message": "ok"})
	})
	mux.HandleFunc("/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		write(w, []api.User{{ID: "u4", Username: "dave"}})
	})
	mux.HandleFunc("/api/groups/", func(w http.ResponseWriter, r *http.Request) {
		write(w, []api.Group{{ID: "g1", Name: "team", Members: []api.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}}}})
	})
	mux.HandleFunc("/api/messages/conversation/u2", func(w http.ResponseWriter, r *http.Request) {
		write(w, []api.Message{{ID: "m0", SenderID: "u2", RecipientID: "u1", Content: "earlier", Timestamp: "2024-01-01T09:30:00"}})
	})
	mux.HandleFunc("/api/messages/group/g1", func(w http.ResponseWriter, r *http.Request) {
		write(w, []api.Message{})
	})
	mux.HandleFunc("/api/messages/", func(w http.ResponseWriter, r *http.Request) {
		var m api.NewMessage
		_ = json.NewDecoder(r.Body).Decode(&m)
		s.mu.Lock()
		s.messages = append(s.messages, m)
		n := len(s.messages)
		s.mu.Unlock()
		write(w, api.Message{ID: fmt.Sprintf("m%d", n), SenderID: "u1", RecipientID: m.RecipientID, GroupID: m.GroupID,
			Content: m.Content, Timestamp: "2024-01-01T10:00:00", Status: "sent"})
	})
	return mux
}

func TestAccountSignInStoresSession(t *testing.T) {
	srv := httptest.NewServer((&fakeServer{}).handler(t))
	defer srv.Close()

	cfg := config.Default()
	cfg.Server.APIURL = srv.URL
	acct := Account{Dir: t.TempDir(), Cfg: cfg}

	_, err := acct.SignIn(context.Background(), Credentials{Username: "alice", Password: "wrong-one"})
	require.ErrorIs(t, err, api.ErrUnauthorized)

	_, err = acct.SignIn(context.Background(), Credentials{Username: "al", Password: "secret"})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs, "rejected before any request")
	_, err = acct.SignUp(context.Background(), Credentials{Username: "alice", Email: "not-an-email", Password: "secret"})
	require.ErrorAs(t, err, &verrs)
	_, err = acct.Session()
	require.True(t, IsNotSignedIn(err))

	sess, err := acct.SignIn(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.Equal(t, "u1", sess.User.ID)

	stored, err := acct.Session()
	require.NoError(t, err)
	require.Equal(t, "tok-alice", stored.Token)

	require.NoError(t, acct.Logout())
	_, err = acct.Session()
	require.ErrorIs(t, err, auth.ErrNoSession)
}

type fakeWire struct {
	*router.Router
	mu   sync.Mutex
	sent []proto.Envelope
}

func (f *fakeWire) Send(env proto.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeWire) sentOf(typ string) []proto.Envelope {
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

type fakeConn struct{}

func (fakeConn) State() realtime.State  { return realtime.Connected }
func (fakeConn) ReconnectPending() bool { return false }

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type consoleHarness struct {
	c        *Console
	out      *syncBuffer
	wire     *fakeWire
	presence *state.Presence
	server   *fakeServer
	db       *storage.DB
	logs     *LogBuffer
	avatars  *avatar.Store

	loggedOut bool
}

func newConsole(t *testing.T) *consoleHarness {
	t.Helper()
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	t.Cleanup(srv.Close)

	db, err := storage.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := api.NewClient(srv.URL, time.Second)
	client.SetToken("tok-alice")

	h := &consoleHarness{
		out:      &syncBuffer{},
		wire:     &fakeWire{Router: router.New()},
		presence: state.NewPresence(),
		server:   fs,
		db:       db,
		logs:     NewLogBuffer(50),
		avatars:  avatar.NewStore(filepath.Join(t.TempDir(), "avatar")),
	}
	h.c = NewConsole(ConsoleOptions{
		In:        strings.NewReader(""),
		Out:       h.out,
		Self:      auth.User{ID: "u1", Username: "alice", Email: "a@example.com"},
		API:       client,
		Cache:     db,
		Transport: h.wire,
		Presence:  h.presence,
		Conn:      fakeConn{},
		Logs:      h.logs,
		Avatars:   h.avatars,
		Logout: func() error {
			h.loggedOut = true
			return nil
		},
	})
	t.Cleanup(func() { h.c.closeConversation() })
	return h
}

func (h *consoleHarness) exec(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, h.c.Exec(context.Background(), line))
}

func TestConsoleOpenSendAndReceive(t *testing.T) {
	h := newConsole(t)

	require.Error(t, h.c.Exec(context.Background(), "hello?"), "nothing open yet")

	h.exec(t, "/open bob")
	require.True(t, h.wire.Has("chat-u2"))
	require.Contains(t, h.out.String(), "09:30 bob: earlier")

	h.exec(t, "hi bob")
	relayed := h.wire.sentOf(proto.TypeMessage)
	require.Len(t, relayed, 1)
	require.Equal(t, "u2", relayed[0].RecipientID)
	require.Equal(t, "m1", relayed[0].MessageID)

	h.wire.Dispatch(proto.Envelope{Type: proto.TypeMessage, SenderID: "u2", Content: "back at you", MessageID: "m9", Timestamp: "2024-01-01T10:01:00"})
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "10:01 bob: back at you")
	}, time.Second, 10*time.Millisecond)

	// Messages for other conversations are only announced.
	h.wire.Dispatch(proto.Envelope{Type: proto.TypeMessage, SenderID: "u4", Content: "psst"})
	require.Contains(t, h.out.String(), "new message from u4: psst")

	h.exec(t, "/typing")
	typing := h.wire.sentOf(proto.TypeTyping)
	require.Len(t, typing, 1)
	require.True(t, typing[0].Typing())

	h.exec(t, "/read")
	require.Len(t, h.wire.sentOf(proto.TypeStatus), 3, "one delivered receipt for m9, then read receipts for m0 and m9")

	h.exec(t, "/close")
	require.False(t, h.wire.Has("chat-u2"))
	require.Error(t, h.c.Exec(context.Background(), "/close"))
}

func TestConsoleGroupConversation(t *testing.T) {
	h := newConsole(t)
	h.exec(t, "/group team")
	require.True(t, h.wire.Has("chat-g1"))
	h.exec(t, "hello team")
	relayed := h.wire.sentOf(proto.TypeMessage)
	require.Len(t, relayed, 1)
	require.Equal(t, "g1", relayed[0].GroupID)

	g, ok := h.db.GetGroup("g1")
	require.True(t, ok)
	require.Equal(t, []string{"u1", "u2"}, g.Members)

	require.Error(t, h.c.Exec(context.Background(), "/group nope"))
}

func TestConsoleDirectoryCommands(t *testing.T) {
	h := newConsole(t)

	h.presence.Apply(proto.Envelope{Type: proto.TypeUserStatus, UserID: "u2", Status: proto.PresenceOnline})
	h.exec(t, "/friends")
	require.Contains(t, h.out.String(), "bob  (online)")

	h.exec(t, "/online")
	require.Contains(t, h.out.String(), "Online (1): bob")

	h.exec(t, "/search da")
	require.Contains(t, h.out.String(), "dave")
	_, ok := h.db.FindUserByName("dave")
	require.True(t, ok)

	h.exec(t, "/requests")
	require.Contains(t, h.out.String(), "fr1  from carol")
	h.exec(t, "/accept fr1")
	require.Equal(t, []string{"fr1"}, h.server.accepted)

	h.exec(t, "/groups")
	require.Contains(t, h.out.String(), "team  [alice, bob]")

	h.exec(t, "/status")
	require.Contains(t, h.out.String(), "Connection: connected")
}

func TestConsoleMiscCommands(t *testing.T) {
	h := newConsole(t)

	fmt.Fprintln(h.logs, "REALTIME: connected")
	h.exec(t, "/logs 5")
	require.Contains(t, h.out.String(), "REALTIME: connected")
	require.Error(t, h.c.Exec(context.Background(), "/logs x"))

	require.Error(t, h.c.Exec(context.Background(), "/logs stop"), "not following yet")
	h.exec(t, "/logs follow")
	require.Error(t, h.c.Exec(context.Background(), "/logs follow"))
	fmt.Fprintln(h.logs, "CALL: streamed line")
	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "CALL: streamed line")
	}, time.Second, 10*time.Millisecond)
	h.exec(t, "/logs stop")
	fmt.Fprintln(h.logs, "CALL: after stop")
	time.Sleep(20 * time.Millisecond)
	require.NotContains(t, h.out.String(), "CALL: after stop")

	require.Error(t, h.c.Exec(context.Background(), "/call bob"), "no call manager")
	require.Error(t, h.c.Exec(context.Background(), "/bogus"))
	h.exec(t, "/help")

	require.ErrorIs(t, h.c.Exec(context.Background(), "/quit"), errQuit)
	require.ErrorIs(t, h.c.Exec(context.Background(), "/logout"), ErrLoggedOut)
	require.True(t, h.loggedOut)
}

func TestConsoleRunStopsAtEndOfInput(t *testing.T) {
	h := newConsole(t)
	h.c.o.In = strings.NewReader("/friends\n/bogus\n/quit\n/friends\n")
	require.NoError(t, h.c.Run(context.Background()))
	out := h.out.String()
	require.Contains(t, out, "! unknown command /bogus")
	require.Equal(t, 1, strings.Count(out, "bob"))
	require.False(t, h.wire.Has(notifyID))
}

func TestConsoleProfileCommands(t *testing.T) {
	h := newConsole(t)

	h.exec(t, "/name alicia")
	require.Contains(t, h.out.String(), "You are now alicia.")
	require.Equal(t, "alicia", h.c.name("u1"))
	require.Error(t, h.c.Exec(context.Background(), "/name"))

	h.exec(t, "/avatar")
	require.NotEmpty(t, h.avatars.Hash())
	h.exec(t, "/avatar")
	require.Contains(t, h.out.String(), "Avatar unchanged.")

	bad := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0o644))
	require.Error(t, h.c.Exec(context.Background(), "/avatar "+bad))

	h.server.mu.Lock()
	defer h.server.mu.Unlock()
	require.Len(t, h.server.profile, 2)
	require.Equal(t, "alicia", h.server.profile[0].Username)
	require.True(t, strings.HasPrefix(h.server.profile[1].Avatar, "data:image/svg+xml;base64,"))
}
