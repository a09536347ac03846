package kite

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenSource supplies the current bearer token. AccessToken never fails;
// it returns the empty string when no usable session exists.
type TokenSource interface {
	AccessToken() string
}

// NormalizeToken strips any scheme prefix ("Bearer ...") and surrounding
// whitespace so tokens from different callers compare equal.
func NormalizeToken(raw string) string {
	t := strings.TrimSpace(raw)
	if len(t) > 7 && strings.EqualFold(t[:7], "bearer ") {
		t = strings.TrimSpace(t[7:])
	}
	return t
}

// TokenManager holds the account's access token and notifies listeners on
// update and on clear. It implements TokenSource.
type TokenManager struct {
	mu      sync.RWMutex
	token   string
	updated []func(token string)
	cleared []func()
}

// NewTokenManager creates an empty token manager (signed-out state).
func NewTokenManager() *TokenManager {
	return &TokenManager{}
}

// AccessToken returns the current normalized token, or the empty string if
// there is none or the token is an expired JWT.
func (m *TokenManager) AccessToken() string {
	m.mu.RLock()
	t := m.token
	m.mu.RUnlock()
	if t == "" || tokenExpired(t) {
		return ""
	}
	return t
}

// SetToken stores a new token and fires update listeners. Setting the same
// normalized token again is a no-op. An expired JWT is rejected; the
// previous token stays in place.
func (m *TokenManager) SetToken(raw string) {
	t := NormalizeToken(raw)
	if t == "" {
		m.Clear()
		return
	}
	if tokenExpired(t) {
		zap.L().Warn("rejecting expired token update")
		return
	}

	m.mu.Lock()
	if m.token == t {
		m.mu.Unlock()
		return
	}
	m.token = t
	listeners := append([]func(string){}, m.updated...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

// Clear drops the token and fires clear listeners.
func (m *TokenManager) Clear() {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return
	}
	m.token = ""
	listeners := append([]func(){}, m.cleared...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnTokenUpdated registers a listener invoked with every new token.
func (m *TokenManager) OnTokenUpdated(fn func(token string)) {
	m.mu.Lock()
	m.updated = append(m.updated, fn)
	m.mu.Unlock()
}

// OnTokenCleared registers a listener invoked when the session ends.
func (m *TokenManager) OnTokenCleared(fn func()) {
	m.mu.Lock()
	m.cleared = append(m.cleared, fn)
	m.mu.Unlock()
}

// tokenExpired inspects a JWT's exp claim without verifying the signature
// (verification is the server's job; the client only avoids presenting a
// token it already knows is dead). Opaque non-JWT tokens pass through.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
