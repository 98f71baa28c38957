package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Token is the persisted credential record of one provider.
type Token struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	TokenType    string     `json:"tokenType,omitempty"`
}

// Expired reports whether the token's expiry is at or before now. A token
// without an expiry never expires.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires inside window from now.
func (t *Token) ExpiresWithin(now time.Time, window time.Duration) bool {
	return t.ExpiresAt != nil && !now.Add(window).Before(*t.ExpiresAt)
}

// Valid reports whether the token can be used as a bearer credential now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && !t.Expired(now)
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// tokenFrom converts an exchange or refresh result. When the server omitted
// expires_in, a JWT access token's exp claim supplies the expiry.
func tokenFrom(t *oauth2.Token) *Token {
	out := &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if !t.Expiry.IsZero() {
		exp := t.Expiry.UTC()
		out.ExpiresAt = &exp
	} else if exp, ok := jwtExpiry(t.AccessToken); ok {
		out.ExpiresAt = &exp
	}
	return out
}

// jwtExpiry reads the exp claim without verifying the signature; the token is
// only inspected, never trusted for authorization here.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}

// State is the lifecycle position of a provider.
type State string

const (
	StateUnregistered    State = "unregistered"
	StateRegistered      State = "registered"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateExpired         State = "expired"
	StateRefreshing      State = "refreshing"
	StateFailed          State = "failed"
)

func (s State) String() string {
	return string(s)
}

// ProviderStatus summarizes one registered provider.
type ProviderStatus struct {
	Provider  string     `json:"provider"`
	State     State      `json:"state"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Public    bool       `json:"public"`
}

// CallbackResult is the outcome of handling a redirect back from a provider.
type CallbackResult struct {
	Success  bool   `json:"success"`
	Provider string `json:"provider,omitempty"`
	Error    string `json:"error,omitempty"`
}
