package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nonegit2301/mini-apartment/app/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/do"
)

// Session owns the bearer credential of the logged in user.
// Components that hold per-user state register a teardown hook which runs on Logout.
type Session struct {
	mu        sync.RWMutex
	token     string
	subject   string
	expiresAt time.Time
	hooks     []func()
	now       func() time.Time
}

func New(di *do.Injector) (*Session, error) {
	cfg := do.MustInvoke[*config.Config](di)

	s := NewSession()
	if cfg.API.Token != "" {
		s.Login(cfg.API.Token)
	}

	return s, nil
}

func NewSession() *Session {
	return &Session{now: time.Now}
}

// Login replaces the credential. Tokens that are not JWTs are accepted as opaque bearer tokens.
func (s *Session) Login(token string) {
	var claims jwt.RegisteredClaims

	subject := ""
	var expiresAt time.Time

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		slog.Debug("Token is not a JWT, using it as opaque bearer", "error", err)
	} else {
		subject = claims.Subject
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
	}

	s.mu.Lock()
	s.token = token
	s.subject = subject
	s.expiresAt = expiresAt
	s.mu.Unlock()

	if !expiresAt.IsZero() && !expiresAt.After(s.now()) {
		slog.Warn("Session token is already expired", "expires_at", expiresAt)
	}
}

// Token returns the bearer token, or "" if there is no usable session.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.activeLocked() {
		return ""
	}

	return s.token
}

func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeLocked()
}

func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.subject
}

func (s *Session) activeLocked() bool {
	if s.token == "" {
		return false
	}

	return s.expiresAt.IsZero() || s.expiresAt.After(s.now())
}

// OnTeardown registers fn to run on every Logout.
func (s *Session) OnTeardown(fn func()) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// Logout drops the credential and runs teardown hooks in registration order.
func (s *Session) Logout() {
	s.mu.Lock()
	s.token = ""
	s.subject = ""
	s.expiresAt = time.Time{}
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	slog.Info("Logged out")
}
