package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/auth"
	"github.com/petervdpas/chatterbox/internal/avatar"
	"github.com/petervdpas/chatterbox/internal/call"
	"github.com/petervdpas/chatterbox/internal/chat"
	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/realtime"
	"github.com/petervdpas/chatterbox/internal/router"
	"github.com/petervdpas/chatterbox/internal/state"
	"github.com/petervdpas/chatterbox/internal/storage"
)

// ErrLoggedOut ends the console after /logout.
var ErrLoggedOut = errors.New("logged out")

var errQuit = errors.New("quit")

const notifyID = "console-notify"

type callControl interface {
	StartCall(ctx context.Context, remote string, video bool) (*call.Session, error)
	Active() *call.Session
	Hangup() error
}

type connStatus interface {
	State() realtime.State
	ReconnectPending() bool
}

type ConsoleOptions struct {
	In  io.Reader
	Out io.Writer

	Self      auth.User
	API       *api.Client
	Cache     *storage.DB // optional
	Transport chat.Transport
	Presence  *state.Presence
	Conn      connStatus    // optional
	Calls     callControl   // optional; nil disables call commands
	Logs      *LogBuffer    // optional
	Avatars   *avatar.Store // optional local copy of the uploaded picture

	// Template for opened conversations; Self, Target, Transport, Backend
	// and Cache are filled in.
	Chat chat.Options

	// Logout tears the session down. Called by /logout.
	Logout func() error
}

// Console is the line-oriented view: it reads commands, prints
// conversations and reports presence, connection and call changes.
type Console struct {
	o ConsoleOptions

	outMu sync.Mutex

	mu         sync.Mutex
	conv       *chat.Conversation
	stopFollow func()
}

func NewConsole(o ConsoleOptions) *Console {
	c := &Console{o: o}
	if o.Transport != nil {
		o.Transport.Register(notifyID, router.Filter(func(env proto.Envelope) bool {
			return env.Type == proto.TypeMessage
		}, router.HandlerFunc(c.notifyMessage)))
	}
	return c
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.o.Out, format+"\n", args...)
}

// Run reads commands until /quit, /logout, end of input or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	defer c.closeConversation()
	defer c.stopLogFollow()
	if c.o.Transport != nil {
		defer c.o.Transport.Unregister(notifyID)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.o.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("Signed in as %s. Type /help for commands.", c.o.Self.Username)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Exec(ctx, line)
			switch {
			case err == nil:
			case errors.Is(err, errQuit):
				return nil
			case errors.Is(err, ErrLoggedOut):
				return ErrLoggedOut
			default:
				c.printf("! %v", err)
			}
		}
	}
}

// Exec runs one input line.
func (c *Console) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(cmd) {
	case "help", "h", "?":
		c.help()
		return nil
	case "online":
		return c.online()
	case "open":
		return c.openUser(ctx, arg)
	case "group":
		return c.openGroup(ctx, arg)
	case "close":
		if !c.closeConversation() {
			return errors.New("no conversation is open")
		}
		return nil
	case "read":
		return c.markRead(ctx)
	case "typing":
		conv := c.current()
		if conv == nil {
			return errors.New("no conversation is open")
		}
		conv.Typing()
		return nil
	case "call":
		return c.call(ctx, arg)
	case "hangup":
		return c.hangup()
	case "mute":
		return c.toggle(false)
	case "camera":
		return c.toggle(true)
	case "status":
		c.status()
		return nil
	case "search":
		return c.search(ctx, arg)
	case "friends":
		return c.friends(ctx)
	case "requests":
		return c.requests(ctx)
	case "add":
		return c.addFriend(ctx, arg)
	case "accept":
		return c.answerRequest(ctx, arg, true)
	case "reject":
		return c.answerRequest(ctx, arg, false)
	case "groups":
		return c.groups(ctx)
	case "name":
		return c.rename(ctx, arg)
	case "avatar":
		return c.setAvatar(ctx, arg)
	case "logs":
		return c.logs(arg)
	case "logout":
		return c.logout()
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s (try /help)", cmd)
	}
}

func (c *Console) help() {
	c.printf(`Commands:
  /online                 users online now
  /open <user>            open a conversation
  /group <group>          open a group conversation
  /close                  close the conversation
  <text>                  send to the open conversation
  /read                   mark received messages read
  /typing                 show that you are typing
  /call <user> [video]    start a call
  /hangup                 end the call
  /mute                   toggle the microphone
  /camera                 toggle the camera
  /status                 connection and call state
  /search <query>         find users
  /friends                list friends
  /requests               pending friend requests
  /add <user>             send a friend request
  /accept <request-id>    accept a friend request
  /reject <request-id>    reject a friend request
  /groups                 list your groups
  /name <new-name>        change your username
  /avatar [file]          upload a picture (initials if no file)
  /logs [n]               recent log lines
  /logs follow|stop       stream new log lines
  /logout                 sign out and stop
  /quit                   stop`)
}

// ── Users ───────────────────────────────────────────────────────────────────

// name returns the best known display name for a user id.
func (c *Console) name(id string) string {
	if id == c.o.Self.ID {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.o.Self.Username
	}
	if c.o.Cache != nil {
		if n := c.o.Cache.UserName(id); n != "" {
			return n
		}
	}
	return id
}

func (c *Console) remember(users ...api.User) {
	if c.o.Cache == nil {
		return
	}
	for _, u := range lo.Filter(users, func(u api.User, _ int) bool { return u.ID != "" }) {
		if err := c.o.Cache.UpsertUser(storage.CachedUser{ID: u.ID, Username: u.Username, Email: u.Email}); err != nil {
			log.Printf("API: cache user %s: %v", u.ID, err)
		}
	}
}

// resolveUser turns a username or id into a user: cache first, then
// friends, then search, then a direct id lookup.
func (c *Console) resolveUser(ctx context.Context, who string) (api.User, error) {
	who = strings.TrimPrefix(strings.TrimSpace(who), "@")
	if who == "" {
		return api.User{}, errors.New("a user name is required")
	}
	if c.o.Cache != nil {
		if u, ok := c.o.Cache.FindUserByName(who); ok {
			return api.User{ID: u.ID, Username: u.Username, Email: u.Email}, nil
		}
	}
	if friends, err := c.o.API.Friends(ctx); err == nil {
		c.remember(friends...)
		for _, f := range friends {
			if f.ID == who || strings.EqualFold(f.Username, who) {
				return f, nil
			}
		}
	}
	if found, err := c.o.API.SearchUsers(ctx, who); err == nil {
		c.remember(found...)
		for _, u := range found {
			if strings.EqualFold(u.Username, who) {
				return u, nil
			}
		}
	}
	u, err := c.o.API.User(ctx, who)
	if err != nil {
		return api.User{}, fmt.Errorf("unknown user %q", who)
	}
	c.remember(u)
	return u, nil
}

func (c *Console) online() error {
	ids := c.o.Presence.IDs()
	if len(ids) == 0 {
		c.printf("Nobody else is online.")
		return nil
	}
	names := lo.Map(ids, func(id string, _ int) string { return c.name(id) })
	sort.Strings(names)
	c.printf("Online (%d): %s", len(names), strings.Join(names, ", "))
	return nil
}

func (c *Console) search(ctx context.Context, q string) error {
	if q == "" {
		return errors.New("usage: /search <query>")
	}
	users, err := c.o.API.SearchUsers(ctx, q)
	if err != nil {
		return err
	}
	c.remember(users...)
	if len(users) == 0 {
		c.printf("No users match %q.", q)
		return nil
	}
	for _, u := range users {
		c.printf("  %s  %s  %s", u.Username, u.Email, c.presenceMark(u.ID))
	}
	return nil
}

func (c *Console) friends(ctx context.Context) error {
	friends, err := c.o.API.Friends(ctx)
	if err != nil {
		return err
	}
	c.remember(friends...)
	if len(friends) == 0 {
		c.printf("No friends yet. Try /search and /add.")
		return nil
	}
	for _, f := range friends {
		c.printf("  %s  %s", f.Username, c.presenceMark(f.ID))
	}
	return nil
}

func (c *Console) presenceMark(id string) string {
	if c.o.Presence.IsOnline(id) {
		return "(online)"
	}
	return ""
}

func (c *Console) requests(ctx context.Context) error {
	reqs, err := c.o.API.FriendRequests(ctx)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		c.printf("No pending friend requests.")
		return nil
	}
	for _, r := range reqs {
		c.remember(r.FromUser)
		c.printf("  %s  from %s", r.ID, r.FromUser.Username)
	}
	return nil
}

func (c *Console) addFriend(ctx context.Context, who string) error {
	u, err := c.resolveUser(ctx, who)
	if err != nil {
		return err
	}
	if _, err := c.o.API.SendFriendRequest(ctx, u.ID); err != nil {
		return err
	}
	c.printf("Friend request sent to %s.", u.Username)
	return nil
}

func (c *Console) answerRequest(ctx context.Context, id string, accept bool) error {
	if id == "" {
		return errors.New("a request id is required (see /requests)")
	}
	if accept {
		if err := c.o.API.AcceptFriendRequest(ctx, id); err != nil {
			return err
		}
		c.printf("Request %s accepted.", id)
		return nil
	}
	if err := c.o.API.RejectFriendRequest(ctx, id); err != nil {
		return err
	}
	c.printf("Request %s rejected.", id)
	return nil
}

func (c *Console) groups(ctx context.Context) error {
	groups, err := c.o.API.Groups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		c.printf("You are not in any group.")
		return nil
	}
	for _, g := range groups {
		c.remember(g.Members...)
		c.cacheGroup(g)
		names := lo.Map(g.Members, func(m api.User, _ int) string { return m.Username })
		c.printf("  %s  [%s]", g.Name, strings.Join(names, ", "))
	}
	return nil
}

func (c *Console) cacheGroup(g api.Group) {
	if c.o.Cache == nil {
		return
	}
	if err := c.o.Cache.UpsertGroup(storage.GroupRow{ID: g.ID, Name: g.Name, Members: g.MemberIDs()}); err != nil {
		log.Printf("API: cache group %s: %v", g.ID, err)
	}
}

// ── Conversations ───────────────────────────────────────────────────────────

func (c *Console) openUser(ctx context.Context, who string) error {
	u, err := c.resolveUser(ctx, who)
	if err != nil {
		return err
	}
	if u.ID == c.o.Self.ID {
		return errors.New("that is you")
	}
	return c.open(ctx, chat.Target{Kind: chat.KindUser, ID: u.ID, Name: u.Username})
}

func (c *Console) openGroup(ctx context.Context, which string) error {
	if which == "" {
		return errors.New("usage: /group <group>")
	}
	groups, err := c.o.API.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.ID == which || strings.EqualFold(g.Name, which) {
			c.remember(g.Members...)
			c.cacheGroup(g)
			return c.open(ctx, chat.Target{Kind: chat.KindGroup, ID: g.ID, Name: g.Name})
		}
	}
	return fmt.Errorf("unknown group %q", which)
}

func (c *Console) open(ctx context.Context, target chat.Target) error {
	c.closeConversation()

	opts := c.o.Chat
	opts.Self = c.o.Self.ID
	opts.Target = target
	opts.Transport = c.o.Transport
	opts.Backend = c.o.API
	if c.o.Cache != nil {
		opts.Cache = c.o.Cache
	}
	conv, err := chat.Open(ctx, opts)
	if err != nil {
		return err
	}
	events, _ := conv.Subscribe()

	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()

	c.printf("── %s ──", target.Name)
	for _, m := range conv.Messages() {
		c.printMessage(m)
	}
	go c.follow(conv, events)
	return nil
}

// follow prints conversation events until the conversation is closed.
func (c *Console) follow(conv *chat.Conversation, events chan chat.Event) {
	for ev := range events {
		switch ev.Type {
		case chat.EventMessage:
			if !ev.Message.Outgoing {
				c.printMessage(ev.Message)
			}
		case chat.EventTyping:
			if ev.Typing {
				c.printf("  %s is typing…", conv.Target().Name)
			}
		case chat.EventStatus:
			c.printf("  (%s %s)", shortID(ev.MessageID), ev.Status)
		}
	}
}

func (c *Console) printMessage(m chat.Message) {
	who := m.SenderName
	if who == "" {
		who = c.name(m.SenderID)
	}
	mark := ""
	if m.Outgoing {
		mark = " [" + m.Status + "]"
	}
	c.printf("%s %s: %s%s", clock(m.Timestamp), who, m.Content, mark)
}

func (c *Console) current() *chat.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

func (c *Console) closeConversation() bool {
	c.mu.Lock()
	conv := c.conv
	c.conv = nil
	c.mu.Unlock()
	if conv == nil {
		return false
	}
	conv.Close()
	return true
}

func (c *Console) send(ctx context.Context, text string) error {
	conv := c.current()
	if conv == nil {
		return errors.New("no conversation is open (use /open <user> or /group <group>)")
	}
	m, err := conv.Send(ctx, text)
	if err != nil {
		return err
	}
	c.printMessage(m)
	return nil
}

func (c *Console) markRead(ctx context.Context) error {
	conv := c.current()
	if conv == nil {
		return errors.New("no conversation is open")
	}
	n, err := conv.MarkRead(ctx)
	c.printf("Marked %d message(s) read.", n)
	return err
}

// notifyMessage mentions messages for conversations that are not open.
func (c *Console) notifyMessage(env proto.Envelope) error {
	if conv := c.current(); conv != nil {
		t := conv.Target()
		if (t.Kind == chat.KindGroup && env.GroupID == t.ID) ||
			(t.Kind == chat.KindUser && env.GroupID == "" && env.SenderID == t.ID) {
			return nil
		}
	}
	from := c.name(env.SenderID)
	if env.GroupID != "" {
		c.printf("* new message in a group from %s", from)
		return nil
	}
	c.printf("* new message from %s: %s  (/open %s)", from, preview(env.Content), from)
	return nil
}

// ── Calls ───────────────────────────────────────────────────────────────────

func (c *Console) call(ctx context.Context, arg string) error {
	if c.o.Calls == nil {
		return errors.New("calls are not available")
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return errors.New("usage: /call <user> [video]")
	}
	u, err := c.resolveUser(ctx, fields[0])
	if err != nil {
		return err
	}
	video := len(fields) > 1 && strings.EqualFold(fields[1], "video")
	if c.o.Calls.Active() != nil {
		return call.ErrCallActive
	}
	c.printf("Calling %s…", u.Username)
	// StartCall blocks on device capture; keep the prompt responsive.
	go func() {
		if _, err := c.o.Calls.StartCall(ctx, u.ID, video); err != nil {
			c.printf("! call to %s failed: %v", u.Username, err)
		}
	}()
	return nil
}

func (c *Console) hangup() error {
	if c.o.Calls == nil {
		return errors.New("calls are not available")
	}
	return c.o.Calls.Hangup()
}

func (c *Console) toggle(camera bool) error {
	if c.o.Calls == nil {
		return errors.New("calls are not available")
	}
	sess := c.o.Calls.Active()
	if sess == nil {
		return call.ErrNoCall
	}
	if camera {
		off, err := sess.ToggleCamera()
		if err != nil {
			return err
		}
		c.printf("Camera %s.", onOff(!off))
		return nil
	}
	muted, err := sess.ToggleMute()
	if err != nil {
		return err
	}
	c.printf("Microphone %s.", onOff(!muted))
	return nil
}

func (c *Console) status() {
	if c.o.Conn != nil {
		line := "Connection: " + c.o.Conn.State().String()
		if c.o.Conn.ReconnectPending() {
			line += " (reconnect pending)"
		}
		c.printf("%s", line)
	}
	c.printf("Online users: %d", c.o.Presence.Len())
	if conv := c.current(); conv != nil {
		c.printf("Conversation: %s", conv.Target().Name)
	}
	if c.o.Calls != nil {
		if sess := c.o.Calls.Active(); sess != nil {
			c.printf("Call: %s with %s (muted=%t camera-off=%t)",
				sess.Status(), c.name(sess.Remote()), sess.Muted(), sess.CameraOff())
		}
	}
}

// ── Background events ───────────────────────────────────────────────────────

func (c *Console) followPresence(ctx context.Context, ch chan state.PresenceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case proto.PresenceOnline:
				c.printf("* %s is online", c.name(ev.UserID))
			case proto.PresenceOffline:
				c.printf("* %s went offline", c.name(ev.UserID))
			}
		}
	}
}

func (c *Console) followConn(ctx context.Context, ch chan realtime.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			c.printf("* connection %s", st)
		}
	}
}

func (c *Console) followCalls(ctx context.Context, ch chan call.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			who := c.name(ev.Remote)
			switch ev.Type {
			case call.EventIncoming:
				kind := "audio"
				if ev.Video {
					kind = "video"
				}
				c.printf("* incoming %s call from %s (answered; /hangup to end)", kind, who)
			case call.EventStatus:
				c.printf("* call with %s: %s", who, ev.Status)
			case call.EventEnded:
				c.printf("* call with %s ended", who)
			case call.EventError:
				c.printf("! call with %s failed: %v", who, ev.Err)
			}
		}
	}
}

// ── Profile ─────────────────────────────────────────────────────────────────

func (c *Console) rename(ctx context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, " \t") {
		return errors.New("usage: /name <new-name>")
	}
	u, err := c.o.API.UpdateProfile(ctx, api.ProfileUpdate{Username: name})
	if err != nil {
		return err
	}
	if u.Username == "" {
		u.Username = name
	}
	c.mu.Lock()
	c.o.Self.Username = u.Username
	c.mu.Unlock()
	c.remember(api.User{ID: c.o.Self.ID, Username: u.Username, Email: c.o.Self.Email})
	c.printf("You are now %s.", u.Username)
	return nil
}

func (c *Console) setAvatar(ctx context.Context, file string) error {
	var img avatar.Image
	if file == "" {
		img = avatar.Initials(c.o.Self.Username, c.o.Self.Email)
	} else {
		var err error
		if img, err = avatar.Load(file); err != nil {
			return err
		}
	}
	if c.o.Avatars != nil && c.o.Avatars.Hash() == img.Hash() {
		c.printf("Avatar unchanged.")
		return nil
	}
	if _, err := c.o.API.UpdateProfile(ctx, api.ProfileUpdate{Avatar: img.DataURL()}); err != nil {
		return err
	}
	if c.o.Avatars != nil {
		if _, err := c.o.Avatars.Write(img); err != nil {
			log.Printf("API: keep avatar copy: %v", err)
		}
	}
	c.printf("Avatar updated (%s, %d bytes).", img.MIME, len(img.Data))
	return nil
}

// ── Misc ────────────────────────────────────────────────────────────────────

func (c *Console) logs(arg string) error {
	if c.o.Logs == nil {
		return errors.New("log buffer is not enabled")
	}
	switch arg {
	case "follow":
		return c.followLogs()
	case "stop":
		if !c.stopLogFollow() {
			return errors.New("not following the log")
		}
		c.printf("Stopped following the log.")
		return nil
	}
	n := 20
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v <= 0 {
			return errors.New("usage: /logs [n|follow|stop]")
		}
		n = v
	}
	for _, e := range c.o.Logs.Tail(n) {
		c.printf("%s %s", e.TS.Format("15:04:05"), e.Msg)
	}
	return nil
}

// followLogs prints new log lines as they are written until /logs stop.
func (c *Console) followLogs() error {
	c.mu.Lock()
	if c.stopFollow != nil {
		c.mu.Unlock()
		return errors.New("already following the log")
	}
	ch, cancel := c.o.Logs.Subscribe()
	c.stopFollow = cancel
	c.mu.Unlock()

	go func() {
		for e := range ch {
			c.printf("log %s %s", e.TS.Format("15:04:05"), e.Msg)
		}
	}()
	c.printf("Following the log (/logs stop to end).")
	return nil
}

func (c *Console) stopLogFollow() bool {
	c.mu.Lock()
	cancel := c.stopFollow
	c.stopFollow = nil
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (c *Console) logout() error {
	c.closeConversation()
	if c.o.Logout != nil {
		if err := c.o.Logout(); err != nil {
			return err
		}
	}
	c.printf("Signed out.")
	return ErrLoggedOut
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// clock extracts hh:mm from an ISO timestamp.
func clock(ts string) string {
	if i := strings.IndexByte(ts, 'T'); i >= 0 && len(ts) >= i+6 {
		return ts[i+1 : i+6]
	}
	return "--:--"
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
