package auth

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-auth-client/users"
)

// DefaultCredentialsKey is the store key the credential record lives under.
const DefaultCredentialsKey = "auth_credentials"

// Credentials is the persisted login record, owned by the external
// credentials store and read/written here as an opaque unit. LoginTime plus
// ExpiresIn gives the absolute local expiry; if either is missing the record
// never expires locally and server-side verification is authoritative.
type Credentials struct {
	Username     string     `json:"username"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	User         users.User `json:"user"`
	ExpiresIn    int64      `json:"expires_in_seconds,omitempty"`
	RememberMe   bool       `json:"remember_me,omitempty"`
	LoginTime    time.Time  `json:"login_time"`
}

// ExpiresAt returns the absolute local expiry instant, or false when the
// record never expires locally.
func (c *Credentials) ExpiresAt() (time.Time, bool) {
	if c.LoginTime.IsZero() || c.ExpiresIn <= 0 {
		return time.Time{}, false
	}
	return c.LoginTime.Add(time.Duration(c.ExpiresIn) * time.Second), true
}

// Expired reports whether the record's local expiry has passed at now.
func (c *Credentials) Expired(now time.Time) bool {
	expiresAt, ok := c.ExpiresAt()
	return ok && !now.Before(expiresAt)
}

// OAuth2Token converts the record for use with golang.org/x/oauth2
// transports. Expiry reflects the local window only.
func (c *Credentials) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
	}
	if expiresAt, ok := c.ExpiresAt(); ok {
		tok.Expiry = expiresAt
	}
	return tok
}

// Remaining returns the time left before local expiry, or false when the
// record never expires locally.
func (c *Credentials) Remaining(now time.Time) (time.Duration, bool) {
	expiresAt, ok := c.ExpiresAt()
	if !ok {
		return 0, false
	}
	return expiresAt.Sub(now), true
}
