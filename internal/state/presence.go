package state

import (
	"log"
	"sort"
	"sync"

	"github.com/petervdpas/chatterbox/internal/proto"
)

type PresenceEvent struct {
	Type   string `json:"type"` // online|offline|reset
	UserID string `json:"user_id,omitempty"`
}

// Presence is the set of user ids currently reported online by the server.
// It is only ever mutated by user_status envelopes (and Reset on logout).
type Presence struct {
	mu        sync.Mutex
	online    map[string]struct{}
	listeners []chan PresenceEvent
}

func NewPresence() *Presence {
	return &Presence{
		online:    map[string]struct{}{},
		listeners: make([]chan PresenceEvent, 0),
	}
}

// Apply folds one user_status envelope into the set: "online" inserts, any
// other status removes. Returns true when membership changed.
func (p *Presence) Apply(env proto.Envelope) bool {
	if env.Type != proto.TypeUserStatus || env.UserID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	_, was := p.online[env.UserID]
	if env.Status == proto.PresenceOnline {
		if was {
			return false
		}
		p.online[env.UserID] = struct{}{}
		p.notifyListeners(PresenceEvent{Type: proto.PresenceOnline, UserID: env.UserID})
		return true
	}
	if !was {
		return false
	}
	delete(p.online, env.UserID)
	p.notifyListeners(PresenceEvent{Type: proto.PresenceOffline, UserID: env.UserID})
	return true
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[userID]
	return ok
}

// IDs returns the online user ids in sorted order.
func (p *Presence) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

// Reset empties the set. Used when the session is torn down.
func (p *Presence) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.online) == 0 {
		return
	}
	p.online = map[string]struct{}{}
	p.notifyListeners(PresenceEvent{Type: "reset"})
	log.Printf("PRESENCE: cleared")
}

func (p *Presence) Subscribe() chan PresenceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan PresenceEvent, 16)
	p.listeners = append(p.listeners, ch)
	return ch
}

func (p *Presence) Unsubscribe(ch chan PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, listener := range p.listeners {
		if listener == ch {
			close(listener)
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

func (p *Presence) notifyListeners(evt PresenceEvent) {
	for _, ch := range p.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
