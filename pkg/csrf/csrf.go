// Package csrf issues and verifies stateless, scope-bound form tokens.
//
// A token is "<expiry>.<nonce>.<mac>" where mac = HMAC-SHA256(secret, scope|expiry|nonce).
// Scopes bind a token to one form, e.g. "appel_<id>" or "signature_<token>".
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderName carries the token on API calls.
	HeaderName = "X-CSRF-Token"
	// FormField carries the token on HTML form posts.
	FormField = "_csrf_token"
)

var (
	ErrMissing   = errors.New("csrf token missing")
	ErrMalformed = errors.New("csrf token malformed")
	ErrMismatch  = errors.New("csrf token does not match scope")
	ErrExpired   = errors.New("csrf token expired")
)

// SessionScope, AppelScope and SignatureScope build the canonical scope names.
func SessionScope(sessionID string) string { return "session_" + sessionID }

func AppelScope(appelID string) string { return "appel_" + appelID }

func SignatureScope(token string) string { return "signature_" + token }

// Manager generates and validates tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager builds a manager; ttl defaults to two hours.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Generate returns a fresh token for scope.
func (m *Manager) Generate(scope string) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("csrf secret missing")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("csrf nonce: %w", err)
	}
	ts := strconv.FormatInt(m.now().Add(m.ttl).Unix(), 10)
	n := base64.RawURLEncoding.EncodeToString(nonce)
	return ts + "." + n + "." + m.sign(scope, ts, n), nil
}

// Validate checks that token was issued for scope and has not expired.
func (m *Manager) Validate(scope, token string) error {
	if token == "" {
		return ErrMissing
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrMalformed
	}
	ts, nonce, mac := parts[0], parts[1], parts[2]
	if !hmac.Equal([]byte(m.sign(scope, ts, nonce)), []byte(mac)) {
		return ErrMismatch
	}
	exp, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformed
	}
	if m.now().After(time.Unix(exp, 0)) {
		return ErrExpired
	}
	return nil
}

func (m *Manager) sign(scope, ts, nonce string) string {
	h := hmac.New(sha256.New, m.secret)
	_, _ = h.Write([]byte(scope + "|" + ts + "|" + nonce))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
