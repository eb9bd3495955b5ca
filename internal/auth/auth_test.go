package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mbd888/campaignhq/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-session-secret-0123456789abcdef"

func newIssuer(t *testing.T, now time.Time) *SessionIssuer {
	t.Helper()
	iss, err := NewSessionIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	return iss.WithClock(func() time.Time { return now })
}

func TestNewSessionIssuer_RejectsWeakSecret(t *testing.T) {
	_, err := NewSessionIssuer("short", time.Hour)
	assert.ErrorIs(t, err, ErrWeakSecret)

	iss, err := NewSessionIssuer(testSecret, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionTTL, iss.TTL())
}

func TestSessionIssuer_RoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	iss := newIssuer(t, now)

	tok, err := iss.Issue(&user.User{ID: "usr_1", Email: "a@x.io", GlobalRole: user.RoleSuperAdmin})
	require.NoError(t, err)

	claims, err := iss.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Subject)
	assert.Equal(t, "a@x.io", claims.Email)
	assert.Equal(t, "super_admin", claims.Role)
}

func TestSessionIssuer_RejectsExpired(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tok, err := newIssuer(t, now).Issue(&user.User{ID: "usr_1"})
	require.NoError(t, err)

	_, err = newIssuer(t, now.Add(2*time.Hour)).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestSessionIssuer_RejectsForeignSignatures(t *testing.T) {
	now := time.Now()
	other, err := NewSessionIssuer("another-secret-that-is-long-enough!!", time.Hour)
	require.NoError(t, err)
	tok, err := other.Issue(&user.User{ID: "usr_1"})
	require.NoError(t, err)

	_, err = newIssuer(t, now).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidSession)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = newIssuer(t, now).Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = newIssuer(t, now).Parse("")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionIssuer_RequiresExpiry(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "usr_1"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = newIssuer(t, time.Now()).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestTokenFromRequest(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(r))
}
