package app

import (
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/chatterbox/internal/config"
	"github.com/petervdpas/chatterbox/internal/proto"
	"github.com/petervdpas/chatterbox/internal/realtime"
	"github.com/petervdpas/chatterbox/internal/router"
	"github.com/petervdpas/chatterbox/internal/util"
)

// wire joins the realtime connection (outbound) with the router (inbound
// subscriptions). Calls and conversations see it as their transport.
type wire struct {
	conn   *realtime.Conn
	router *router.Router
}

func (w wire) Send(env proto.Envelope) bool         { return w.conn.Send(env) }
func (w wire) Register(id string, h router.Handler) { w.router.Register(id, h) }
func (w wire) Unregister(id string)                 { w.router.Unregister(id) }

func iceServers(cfg config.Config) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(cfg.Call.ICEServers))
	for _, s := range cfg.Call.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// resolve joins a configured path onto the client directory.
func resolve(dir, p string) string {
	if p == "" {
		return ""
	}
	return util.ResolvePath(dir, p)
}

func logBanner(dir, cfgPath, user string) {
	log.Println("────────────────────────────────────────")
	log.Println("Chatterbox client")
	log.Printf(" Client folder : %s", dir)
	log.Printf(" Config file   : %s", cfgPath)
	log.Printf(" Signed in as  : %s", user)
	log.Println("────────────────────────────────────────")
}
