// Package impersonation issues and verifies the signed, time-boxed tokens that
// let a super_admin view the product as a given workspace.
//
// Tokens are self-contained: verification needs only the shared secret, so
// there is no server-side revocation. Ending an impersonation deletes the
// cookies on the issuing browser; a copied token stays valid until ExpiresAt.
package impersonation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// MaxTTL is the hard ceiling on an impersonation session.
const MaxTTL = 2 * time.Hour

var ErrEmptySecret = errors.New("impersonation: signing secret is empty")

// Session is the grant carried in the token. It is context layered onto the
// admin's own identity and never replaces it.
type Session struct {
	AdminID       string `json:"adminId"`
	AdminEmail    string `json:"adminEmail"`
	WorkspaceID   string `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
	ExpiresAt     int64  `json:"expiresAt"` // unix milliseconds
}

// Expiry returns ExpiresAt as a time.
func (s *Session) Expiry() time.Time {
	return time.UnixMilli(s.ExpiresAt)
}

// Signer signs and verifies impersonation tokens with HMAC-SHA256.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer. The secret is process-wide configuration.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the time source used for issuing and expiry checks.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Issue builds a session for admin viewing as workspace, expiring after MaxTTL.
func (s *Signer) Issue(adminID, adminEmail, workspaceID, workspaceName string) Session {
	return Session{
		AdminID:       adminID,
		AdminEmail:    adminEmail,
		WorkspaceID:   workspaceID,
		WorkspaceName: workspaceName,
		ExpiresAt:     s.now().Add(MaxTTL).UnixMilli(),
	}
}

// Sign returns base64url(payload) + "." + hex(hmac(payload)).
// The payload is the JSON encoding of the session; field order is fixed by the
// struct so the encoding is canonical.
func (s *Signer) Sign(sess Session) (string, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + hex.EncodeToString(s.mac(payload)), nil
}

// Verify returns the session only if the token is well formed, the signature
// matches and it has not expired. Every failure yields (nil, false).
func (s *Signer) Verify(token string) (*Session, bool) {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return nil, false
	}
	payload, err := base64.RawURLEncoding.Strict().DecodeString(token[:dot])
	if err != nil {
		return nil, false
	}
	sig, err := hex.DecodeString(token[dot+1:])
	if err != nil {
		return nil, false
	}
	if !hmac.Equal(sig, s.mac(payload)) {
		return nil, false
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, false
	}
	if sess.AdminID == "" || sess.WorkspaceID == "" {
		return nil, false
	}
	if s.now().UnixMilli() > sess.ExpiresAt {
		return nil, false
	}
	return &sess, true
}

func (s *Signer) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	return m.Sum(nil)
}
