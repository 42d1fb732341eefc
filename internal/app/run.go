package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/avatar"
	"github.com/petervdpas/chatterbox/internal/call"
	"github.com/petervdpas/chatterbox/internal/chat"
	"github.com/petervdpas/chatterbox/internal/config"
	"github.com/petervdpas/chatterbox/internal/realtime"
	"github.com/petervdpas/chatterbox/internal/router"
	"github.com/petervdpas/chatterbox/internal/state"
	"github.com/petervdpas/chatterbox/internal/storage"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	In  io.Reader
	Out io.Writer
}

// Run starts a signed-in client and drives the console until the user
// quits, logs out or ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if opt.In == nil {
		opt.In = os.Stdin
	}
	if opt.Out == nil {
		opt.Out = os.Stdout
	}

	acct := Account{Dir: opt.Dir, Cfg: cfg}
	sess, err := acct.Session()
	if err != nil {
		return fmt.Errorf("%w: run `chatterbox signin %s` first", err, opt.Dir)
	}

	// ── Logging
	logBuf := NewLogBuffer(cfg.Log.BufferLines)
	var logOut io.Writer = logBuf
	if cfg.Log.File != "" {
		path := resolve(opt.Dir, cfg.Log.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = io.MultiWriter(logBuf, f)
	}
	prevOut := log.Writer()
	log.SetOutput(logOut)
	defer log.SetOutput(prevOut)

	logBanner(opt.Dir, opt.CfgPath, sess.User.Username)

	// ── REST + local cache
	client := api.NewClient(cfg.Server.APIURL, time.Duration(cfg.Server.RequestTimeoutSec)*time.Second)
	client.SetToken(sess.Token)

	db, err := storage.Open(resolve(opt.Dir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()
	if err := db.BindOwner(sess.User.ID); err != nil {
		return fmt.Errorf("bind cache: %w", err)
	}
	_ = db.UpsertUser(storage.CachedUser{ID: sess.User.ID, Username: sess.User.Username, Email: sess.User.Email})

	// ── Realtime
	presence := state.NewPresence()
	rt := router.New()
	conn, err := realtime.New(realtime.Options{
		URL:              cfg.Server.WSURL,
		ReconnectDelay:   time.Duration(cfg.Transport.ReconnectMS) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.Transport.HandshakeTimeoutSec) * time.Second,
		WriteTimeout:     time.Duration(cfg.Transport.WriteTimeoutSec) * time.Second,
		PingInterval:     time.Duration(cfg.Transport.PingIntervalSec) * time.Second,
		Presence:         presence,
		Router:           rt,
	})
	if err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	defer conn.Close()
	w := wire{conn: conn, router: rt}

	// ── Calls
	var calls *call.Manager
	media, err := call.NewDeviceSource(call.DeviceConfig{
		MaxWidth:  cfg.Call.VideoMaxWidth,
		MaxHeight: cfg.Call.VideoMaxHeight,
		Bitrate:   cfg.Call.VideoBitrate,
	})
	if err != nil {
		log.Printf("CALL: media unavailable, calls disabled: %v", err)
	} else {
		calls, err = call.NewManager(call.Options{
			Signaler: w,
			Media:    media,
			NewPeer: call.NewPeerFactory(media.RegisterCodecs, call.ICETimeouts{
				Disconnected: time.Duration(cfg.Call.ICEDisconnectedSec) * time.Second,
				Failed:       time.Duration(cfg.Call.ICEFailedSec) * time.Second,
				Keepalive:    time.Duration(cfg.Call.ICEKeepaliveSec) * time.Second,
			}),
			ICEServers: iceServers(cfg),
			RecordDir:  resolve(opt.Dir, cfg.Call.RecordDir),
		})
		if err != nil {
			return fmt.Errorf("call manager: %w", err)
		}
		defer calls.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Config hot reload
	if opt.CfgPath != "" {
		go func() {
			err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
				if calls != nil {
					calls.SetICEServers(iceServers(next))
				}
			})
			if err != nil {
				log.Printf("CONFIG: watch disabled: %v", err)
			}
		}()
	}

	// ── Console
	copts := ConsoleOptions{
		In:        opt.In,
		Out:       opt.Out,
		Self:      sess.User,
		API:       client,
		Cache:     db,
		Transport: w,
		Presence:  presence,
		Conn:      conn,
		Logs:      logBuf,
		Avatars:   avatar.NewStore(resolve(opt.Dir, cfg.Paths.DataDir)),
		Chat: chat.Options{
			BufferSize:   cfg.Chat.BufferSize,
			HistoryLimit: cfg.Chat.HistoryLimit,
			TypingIdle:   time.Duration(cfg.Chat.TypingIdleMS) * time.Millisecond,
		},
		Logout: func() error {
			// Tear down before forgetting the token so nothing reconnects.
			conn.Disconnect()
			presence.Reset()
			if calls != nil {
				if err := calls.Hangup(); err != nil && !errors.Is(err, call.ErrNoCall) {
					log.Printf("CALL: hangup on logout: %v", err)
				}
			}
			return acct.Logout()
		},
	}
	if calls != nil {
		copts.Calls = calls
	}
	console := NewConsole(copts)

	presenceCh := presence.Subscribe()
	defer presence.Unsubscribe(presenceCh)
	go console.followPresence(ctx, presenceCh)

	stateCh, stopState := conn.Subscribe()
	defer stopState()
	go console.followConn(ctx, stateCh)

	if calls != nil {
		callCh, stopCalls := calls.Subscribe()
		defer stopCalls()
		go console.followCalls(ctx, callCh)
	}

	go refreshDirectory(ctx, client, db)

	conn.Connect(sess.Token)

	err = console.Run(ctx)
	if errors.Is(err, ErrLoggedOut) {
		log.Printf("API: signed out")
		return nil
	}
	return err
}

// refreshDirectory caches friend names so presence and messages show
// usernames instead of ids.
func refreshDirectory(ctx context.Context, client *api.Client, db *storage.DB) {
	friends, err := client.Friends(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			log.Printf("API: session rejected by server; sign in again")
			return
		}
		log.Printf("API: friends refresh failed: %v", err)
		return
	}
	for _, f := range friends {
		if err := db.UpsertUser(storage.CachedUser{ID: f.ID, Username: f.Username, Email: f.Email}); err != nil {
			log.Printf("API: cache user %s: %v", f.ID, err)
		}
	}
	log.Printf("API: cached %d friend(s)", len(friends))
}
