package oauth

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenKeyPrefix prefixes the store key of each provider's token record.
const TokenKeyPrefix = "oauth.token."

// pendingKeyPrefix prefixes the store key of an in-flight authorization.
const pendingKeyPrefix = "oauth.pending."

// TokenKey returns the store key holding the token of provider.
func TokenKey(provider string) string {
	return TokenKeyPrefix + provider
}

// ProviderConfig describes one third-party authorization server. A provider
// without a client secret is treated as a public client and uses PKCE.
type ProviderConfig struct {
	Provider     string   `json:"provider" yaml:"provider" toml:"provider"`
	ClientID     string   `json:"clientId" yaml:"clientId" toml:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"clientSecret" toml:"clientSecret"`
	AuthURL      string   `json:"authUrl" yaml:"authUrl" toml:"authUrl"`
	TokenURL     string   `json:"tokenUrl" yaml:"tokenUrl" toml:"tokenUrl"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes" toml:"scopes"`
	RedirectURI  string   `json:"redirectUri" yaml:"redirectUri" toml:"redirectUri"`
}

// Public reports whether the provider is a public client.
func (c ProviderConfig) Public() bool {
	return c.ClientSecret == ""
}

// Validate checks the provider id and the mandatory client and endpoint fields.
func (c ProviderConfig) Validate() error {
	var missing []string
	if c.Provider == "" {
		missing = append(missing, "provider")
	}
	if c.ClientID == "" {
		missing = append(missing, "clientId")
	}
	if c.AuthURL == "" {
		missing = append(missing, "authUrl")
	}
	if c.TokenURL == "" {
		missing = append(missing, "tokenUrl")
	}
	if c.RedirectURI == "" {
		missing = append(missing, "redirectUri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s missing %s", ErrInvalidProviderConfig, c.Provider, strings.Join(missing, ", "))
	}

	for name, raw := range map[string]string{"authUrl": c.AuthURL, "tokenUrl": c.TokenURL, "redirectUri": c.RedirectURI} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s has malformed %s %q", ErrInvalidProviderConfig, c.Provider, name, raw)
		}
	}
	return nil
}

func (c ProviderConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
			// credentials travel in the form body, which public clients require
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Config tunes the manager's timing.
type Config struct {
	AuthTimeout   time.Duration    `json:"authTimeout" yaml:"authTimeout" toml:"authTimeout" env:"AUTH_TIMEOUT" default:"30s"`
	PollInterval  time.Duration    `json:"pollInterval" yaml:"pollInterval" toml:"pollInterval" env:"POLL_INTERVAL" default:"500ms"`
	HTTPTimeout   time.Duration    `json:"httpTimeout" yaml:"httpTimeout" toml:"httpTimeout" env:"HTTP_TIMEOUT" default:"30s"`
	RefreshWindow time.Duration    `json:"refreshWindow" yaml:"refreshWindow" toml:"refreshWindow" env:"REFRESH_WINDOW" default:"5m"`
	RefreshSpec   string           `json:"refreshSchedule" yaml:"refreshSchedule" toml:"refreshSchedule" env:"REFRESH_SCHEDULE" default:"@every 1m"`
	Providers     []ProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
}

// DefaultConfig returns the timing used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:   30 * time.Second,
		PollInterval:  500 * time.Millisecond,
		HTTPTimeout:   30 * time.Second,
		RefreshWindow: 5 * time.Minute,
		RefreshSpec:   "@every 1m",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = d.RefreshWindow
	}
	if c.RefreshSpec == "" {
		c.RefreshSpec = d.RefreshSpec
	}
	return c
}
