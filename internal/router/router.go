// Package router fans inbound envelopes out to registered subscribers.
// Every subscriber sees every non-presence envelope and filters for itself.
package router

import (
	"fmt"
	"log"
	"sync"

	"github.com/petervdpas/chatterbox/internal/proto"
)

// Handler consumes one inbound envelope. A returned error is logged by the
// router and never stops delivery to other handlers.
type Handler interface {
	HandleEnvelope(env proto.Envelope) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(env proto.Envelope) error

func (f HandlerFunc) HandleEnvelope(env proto.Envelope) error { return f(env) }

// Filter wraps h so it only sees envelopes for which match returns true.
func Filter(match func(proto.Envelope) bool, h Handler) Handler {
	return HandlerFunc(func(env proto.Envelope) error {
		if !match(env) {
			return nil
		}
		return h.HandleEnvelope(env)
	})
}

// Router is the subscriber-id to handler registry.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty router.
func New() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register installs h under id, replacing any handler already registered
// under the same id.
func (r *Router) Register(id string, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.handlers[id]
	r.handlers[id] = h
	r.mu.Unlock()
	if replaced {
		log.Printf("ROUTER: replaced handler %q", id)
	}
}

// Unregister removes the handler under id. Unknown ids are ignored.
func (r *Router) Unregister(id string) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// Has reports whether a handler is registered under id. Tests use it to
// check that subscriptions are released.
func (r *Router) Has(id string) bool {
	r.mu.RLock()
	_, ok := r.handlers[id]
	r.mu.RUnlock()
	return ok
}

// Dispatch delivers env to every handler registered at the time of the call
// and returns how many of them completed without error or panic. Handlers run
// outside the registry lock, so they may register or unregister (including
// themselves) while being invoked.
func (r *Router) Dispatch(env proto.Envelope) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handlers))
	hs := make([]Handler, 0, len(r.handlers))
	for id, h := range r.handlers {
		ids = append(ids, id)
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	ok := 0
	for i, h := range hs {
		if err := invoke(h, env); err != nil {
			log.Printf("ROUTER: handler %q failed on %s: %v", ids[i], env.Type, err)
			continue
		}
		ok++
	}
	return ok
}

func invoke(h Handler, env proto.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.HandleEnvelope(env)
}
