package impersonation

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

const (
	// TokenCookie holds the signed token. httpOnly.
	TokenCookie = "impersonation_session"
	// WorkspaceCookie holds only the workspace name for the UI banner.
	WorkspaceCookie = "impersonation_workspace"
)

// CookieOptions control cookie attributes.
type CookieOptions struct {
	Secure bool
	Domain string
}

// SetCookies writes both impersonation cookies for sess.
func (s *Signer) SetCookies(c *gin.Context, token string, sess Session, opts CookieOptions) {
	maxAge := int(sess.Expiry().Sub(s.now()).Seconds())
	if maxAge <= 0 || maxAge > int(MaxTTL.Seconds()) {
		maxAge = int(MaxTTL.Seconds())
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(TokenCookie, token, maxAge, "/", opts.Domain, opts.Secure, true)
	c.SetCookie(WorkspaceCookie, url.QueryEscape(sess.WorkspaceName), maxAge, "/", opts.Domain, opts.Secure, false)
}

// ClearCookies expires both impersonation cookies.
func ClearCookies(c *gin.Context, opts CookieOptions) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(TokenCookie, "", -1, "/", opts.Domain, opts.Secure, true)
	c.SetCookie(WorkspaceCookie, "", -1, "/", opts.Domain, opts.Secure, false)
}

// FromRequest verifies the token cookie on r. A missing or invalid cookie
// means no impersonation is in effect.
func (s *Signer) FromRequest(r *http.Request) (*Session, bool) {
	if s == nil || r == nil {
		return nil, false
	}
	ck, err := r.Cookie(TokenCookie)
	if err != nil || ck.Value == "" {
		return nil, false
	}
	return s.Verify(ck.Value)
}
