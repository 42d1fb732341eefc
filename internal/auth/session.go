// Package auth persists the signed-in session. A stored token is what
// keeps the realtime connection reconnecting.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/chatterbox/internal/util"
)

// ErrNoSession is returned by Load when nobody is signed in.
var ErrNoSession = errors.New("not signed in")

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type Session struct {
	Token    string    `json:"token"`
	User     User      `json:"user"`
	SignedIn time.Time `json:"signed_in"`
}

func (s Session) Valid() bool {
	return strings.TrimSpace(s.Token) != "" && s.User.ID != ""
}

// Store reads and writes the session file. The file holds a bearer token
// and is written 0600.
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, fmt.Errorf("session file %s: %w", s.path, err)
	}
	if !sess.Valid() {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

func (s *Store) Save(sess Session) error {
	if !sess.Valid() {
		return errors.New("session needs a token and a user id")
	}
	if sess.SignedIn.IsZero() {
		sess.SignedIn = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return util.WriteJSONFile(s.path, sess, 0o600)
}

// Clear removes the session file. Clearing an absent session is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
