// Package auth provides session authentication for campaignhq.
//
// Authentication model:
//   - Sessions are HS256 JWTs carried as a Bearer token or the session cookie
//   - The role claim inside a session is a hint for UIs only
//   - Prefilter rejects requests without a valid session and never denies on role
//   - Guard re-fetches the principal from the user store on every request and
//     is the only authority for privileged access
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mbd888/campaignhq/internal/user"
)

// Errors
var (
	ErrNoSession      = errors.New("auth: session required")
	ErrInvalidSession = errors.New("auth: invalid or expired session")
	ErrWeakSecret     = errors.New("auth: session secret must be at least 32 bytes")
)

// SessionCookie is the cookie carrying the session token for browsers.
const SessionCookie = "session"

// DefaultSessionTTL is the session lifetime when none is configured.
const DefaultSessionTTL = 12 * time.Hour

// Claims is the payload of a session token.
type Claims struct {
	Email string `json:"email"`
	// Role is informational. Authorization never reads it.
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SessionIssuer mints and parses session tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer creates an issuer. ttl <= 0 uses DefaultSessionTTL.
func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the time source.
func (s *SessionIssuer) WithClock(now func() time.Time) *SessionIssuer {
	s.now = now
	return s
}

// TTL returns the session lifetime.
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue mints a session for u.
func (s *SessionIssuer) Issue(u *user.User) (string, error) {
	now := s.now()
	claims := Claims{
		Email: u.Email,
		Role:  string(u.GlobalRole),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse validates a session token and returns its claims.
func (s *SessionIssuer) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrNoSession
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	return claims, nil
}

// TokenFromRequest extracts the session token from the Authorization header
// or, failing that, the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
