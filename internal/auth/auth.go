// Package auth implements the auth.request policy of the broker channel:
// per-account API keys, an optional TOTP second factor, and expiring
// session tokens that signal.create frames must present.
package auth

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"mt5-bridge/internal/logger"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidOTP         = errors.New("invalid one-time password")
	ErrTokenUnknown       = errors.New("unknown auth token")
	ErrTokenExpired       = errors.New("auth token expired")
	ErrTokenAccount       = errors.New("auth token belongs to another account")
)

// Credentials is what an auth.request carries.
type Credentials struct {
	AccountID string
	APIKey    string
	OTP       string
}

// Session is an issued token.
type Session struct {
	Token     string
	AccountID string
	ExpiresAt time.Time
}

// Authenticator decides auth.request frames and checks tokens on
// subsequent requests.
type Authenticator interface {
	Authenticate(c Credentials) (Session, error)
	Validate(token, accountID string) error
	TTL() time.Duration
}

// KeyAuthenticator checks API keys per account. With no keys configured any
// non-empty key is accepted.
type KeyAuthenticator struct {
	keys       map[string]string
	totpSecret string
	ttl        time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewKeyAuthenticator creates an authenticator. totpSecret may be empty.
func NewKeyAuthenticator(keys map[string]string, totpSecret string, ttl time.Duration, log *slog.Logger) *KeyAuthenticator {
	if log == nil {
		log = logger.Discard()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	a := &KeyAuthenticator{
		keys:       keys,
		totpSecret: strings.TrimSpace(totpSecret),
		ttl:        ttl,
		now:        time.Now,
		log:        log.With("component", "auth"),
		sessions:   make(map[string]Session),
	}
	if len(keys) == 0 {
		a.log.Warn("no API keys configured; any key will be accepted")
	}
	return a
}

func (a *KeyAuthenticator) TTL() time.Duration { return a.ttl }

func (a *KeyAuthenticator) Authenticate(c Credentials) (Session, error) {
	if c.AccountID == "" || c.APIKey == "" {
		return Session{}, ErrInvalidCredentials
	}
	if len(a.keys) > 0 {
		want, ok := a.keys[c.AccountID]
		if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(c.APIKey)) != 1 {
			return Session{}, ErrInvalidCredentials
		}
	}
	if a.totpSecret != "" && !totp.Validate(c.OTP, a.totpSecret) {
		return Session{}, ErrInvalidOTP
	}

	now := a.now()
	s := Session{Token: uuid.NewString(), AccountID: c.AccountID, ExpiresAt: now.Add(a.ttl)}
	a.mu.Lock()
	a.pruneLocked(now)
	a.sessions[s.Token] = s
	a.mu.Unlock()
	return s, nil
}

// Validate checks token. An empty accountID skips the ownership check.
func (a *KeyAuthenticator) Validate(token, accountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[token]
	if !ok {
		return ErrTokenUnknown
	}
	if !a.now().Before(s.ExpiresAt) {
		delete(a.sessions, token)
		return ErrTokenExpired
	}
	if accountID != "" && s.AccountID != accountID {
		return ErrTokenAccount
	}
	return nil
}

// Revoke drops a token.
func (a *KeyAuthenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

func (a *KeyAuthenticator) pruneLocked(now time.Time) {
	for tok, s := range a.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(a.sessions, tok)
		}
	}
}
