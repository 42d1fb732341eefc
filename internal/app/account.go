package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/petervdpas/chatterbox/internal/api"
	"github.com/petervdpas/chatterbox/internal/auth"
	"github.com/petervdpas/chatterbox/internal/config"
)

var validate = validator.New()

// Account binds the account commands to one client directory.
type Account struct {
	Dir string
	Cfg config.Config
}

func (a Account) store() *auth.Store {
	return auth.NewStore(resolve(a.Dir, a.Cfg.Paths.SessionFile))
}

func (a Account) client() *api.Client {
	return api.NewClient(a.Cfg.Server.APIURL, time.Duration(a.Cfg.Server.RequestTimeoutSec)*time.Second)
}

// SignUp registers a new account and stores the session.
func (a Account) SignUp(ctx context.Context, c Credentials) (auth.Session, error) {
	if err := validate.Struct(c); err != nil {
		return auth.Session{}, fmt.Errorf("sign up: %w", err)
	}
	cl := a.client()
	tok, err := cl.SignUp(ctx, c.Username, c.Email, c.Password)
	if err != nil {
		return auth.Session{}, fmt.Errorf("sign up: %w", err)
	}
	return a.finish(ctx, cl, tok)
}

// SignIn exchanges credentials for a token and stores the session.
func (a Account) SignIn(ctx context.Context, c Credentials) (auth.Session, error) {
	if err := validate.StructPartial(c, "Username", "Password"); err != nil {
		return auth.Session{}, fmt.Errorf("sign in: %w", err)
	}
	cl := a.client()
	tok, err := cl.SignIn(ctx, c.Username, c.Password)
	if err != nil {
		return auth.Session{}, fmt.Errorf("sign in: %w", err)
	}
	return a.finish(ctx, cl, tok)
}

func (a Account) finish(ctx context.Context, cl *api.Client, tok api.Token) (auth.Session, error) {
	cl.SetToken(tok.AccessToken)
	me, err := cl.Me(ctx)
	if err != nil {
		return auth.Session{}, fmt.Errorf("load profile: %w", err)
	}
	sess := auth.Session{
		Token: tok.AccessToken,
		User:  auth.User{ID: me.ID, Username: me.Username, Email: me.Email},
	}
	if err := a.store().Save(sess); err != nil {
		return auth.Session{}, fmt.Errorf("save session: %w", err)
	}
	log.Printf("API: signed in as %s", me.Username)
	return sess, nil
}

// Session returns the stored session, or auth.ErrNoSession.
func (a Account) Session() (auth.Session, error) {
	return a.store().Load()
}

// Logout forgets the stored session.
func (a Account) Logout() error {
	if err := a.store().Clear(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// IsNotSignedIn reports whether err means there is no usable session.
func IsNotSignedIn(err error) bool {
	return errors.Is(err, auth.ErrNoSession) || errors.Is(err, api.ErrUnauthorized)
}
