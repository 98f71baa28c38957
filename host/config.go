package host

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/feeders"
	"github.com/GoCodeAlone/modhost/logmask"
	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/GoCodeAlone/modhost/store"
	"github.com/GoCodeAlone/modhost/transport"
	"gopkg.in/yaml.v3"
)

// Transport engines.
const (
	TransportMemory    = "memory"
	TransportNATS      = "nats"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

// Store engines.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config is the complete configuration of a host process.
type Config struct {
	// Name identifies this host in transport endpoint ids.
	Name string `json:"name" yaml:"name" toml:"name" env:"NAME" default:"modhost"`

	// Contexts lists the execution contexts this process hosts. Each gets
	// its own runtime.
	Contexts []string `json:"contexts" yaml:"contexts" toml:"contexts" env:"CONTEXTS" default:"[\"background\",\"page\",\"offscreen\"]"`

	Log       LogConfig             `json:"log" yaml:"log" toml:"log" env:"LOG"`
	Runtime   modhost.RuntimeConfig `json:"runtime" yaml:"runtime" toml:"runtime" env:"RUNTIME"`
	Transport TransportConfig       `json:"transport" yaml:"transport" toml:"transport" env:"TRANSPORT"`
	Store     StoreConfig           `json:"store" yaml:"store" toml:"store" env:"STORE"`
	OAuth     oauth.Config          `json:"oauth" yaml:"oauth" toml:"oauth" env:"OAUTH"`
	Surface   SurfaceConfig         `json:"surface" yaml:"surface" toml:"surface" env:"SURFACE"`
	Admin     AdminConfig           `json:"admin" yaml:"admin" toml:"admin" env:"ADMIN"`

	// Modules holds per-module configuration, keyed by module name. Entries
	// in the store under config.<module> take precedence.
	Modules map[string]any `json:"modules" yaml:"modules" toml:"modules" env:"-"`
}

// LogConfig selects the slog handler and the credential masking applied
// before it.
type LogConfig struct {
	Level  string         `json:"level" yaml:"level" toml:"level" env:"LEVEL" default:"info"`
	Format string         `json:"format" yaml:"format" toml:"format" env:"FORMAT" default:"text"`
	Mask   logmask.Config `json:"mask" yaml:"mask" toml:"mask" env:"MASK"`
}

// TransportConfig selects and configures the inter-context transport.
type TransportConfig struct {
	Engine    string                    `json:"engine" yaml:"engine" toml:"engine" env:"ENGINE" default:"memory"`
	NATS      transport.NATSConfig      `json:"nats" yaml:"nats" toml:"nats" env:"NATS"`
	Redis     transport.RedisConfig     `json:"redis" yaml:"redis" toml:"redis" env:"REDIS"`
	WebSocket transport.WebSocketConfig `json:"websocket" yaml:"websocket" toml:"websocket" env:"WEBSOCKET"`
}

// StoreConfig selects and configures the key-value store.
type StoreConfig struct {
	Engine string            `json:"engine" yaml:"engine" toml:"engine" env:"ENGINE" default:"memory"`
	Path   string            `json:"path" yaml:"path" toml:"path" env:"PATH"`
	Redis  store.RedisConfig `json:"redis" yaml:"redis" toml:"redis" env:"REDIS"`
}

// SurfaceConfig controls how authorization pages are presented.
type SurfaceConfig struct {
	// Headless records authorization URLs and logs them instead of
	// launching a browser.
	Headless bool `json:"headless" yaml:"headless" toml:"headless" env:"HEADLESS"`

	// CallbackListen overrides the address the redirect URI callback server
	// binds to. Empty binds to the redirect URI's host.
	CallbackListen string `json:"callbackListen" yaml:"callbackListen" toml:"callbackListen" env:"CALLBACK_LISTEN"`

	// DisableCallback skips the callback server, for hosts that deliver
	// redirects through the tokens.handleCallback action.
	DisableCallback bool `json:"disableCallback" yaml:"disableCallback" toml:"disableCallback" env:"DISABLE_CALLBACK"`
}

// AdminConfig configures the admin HTTP endpoint serving metrics, health
// and action calls. An empty Addr disables it.
type AdminConfig struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	MetricsPath string `json:"metricsPath" yaml:"metricsPath" toml:"metricsPath" env:"METRICS_PATH" default:"/metrics"`
}

// LoadConfig builds a Config from path (YAML, TOML or JSON; empty skips the
// file) overlaid with MODHOST_* environment variables, then applies
// defaults and validates.
func LoadConfig(path string, extra ...feeders.Feeder) (*Config, error) {
	cfg := &Config{}
	var sources []feeders.Feeder
	if path != "" {
		f, err := feeders.ForFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, f)
	}
	sources = append(sources, feeders.NewEnvFeeder())
	sources = append(sources, extra...)

	if err := feeders.Feed(cfg, sources...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = modhost.ProcessConfigDefaults(cfg)
	return cfg
}

// Finalize applies defaults and validates the configuration.
func (c *Config) Finalize() error {
	if err := modhost.ProcessConfigDefaults(c); err != nil {
		return fmt.Errorf("config defaults: %w", err)
	}
	if err := modhost.ValidateConfigRequired(c); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks engine names and engine-specific settings.
func (c *Config) Validate() error {
	if len(c.Contexts) == 0 {
		return ErrNoContexts
	}
	if _, err := logmask.New(modhost.NopLogger(), c.Log.Mask); err != nil {
		return fmt.Errorf("%w: log mask: %w", ErrInvalidConfig, err)
	}
	switch c.Transport.Engine {
	case TransportMemory, TransportNATS, TransportRedis:
	case TransportWebSocket:
		if c.Transport.WebSocket.URL == "" {
			return fmt.Errorf("%w: websocket transport needs a hub URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport.Engine)
	}
	if c.Transport.Engine != TransportMemory && c.Name == "" {
		return fmt.Errorf("%w: name is required for networked transports", ErrInvalidConfig)
	}

	switch c.Store.Engine {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: %s store needs a path", ErrInvalidConfig, c.Store.Engine)
		}
	case StoreRedis:
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("%w: redis store needs a URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStore, c.Store.Engine)
	}

	seen := make([]string, 0, len(c.OAuth.Providers))
	for _, p := range c.OAuth.Providers {
		if slices.Contains(seen, p.Provider) {
			return fmt.Errorf("%w: provider %s configured twice", ErrInvalidConfig, p.Provider)
		}
		seen = append(seen, p.Provider)
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ContextNames returns the configured contexts.
func (c *Config) ContextNames() []modhost.ContextName {
	out := make([]modhost.ContextName, 0, len(c.Contexts))
	for _, name := range c.Contexts {
		out = append(out, modhost.ContextName(name))
	}
	return out
}

// moduleConfigs encodes the per-module configuration as JSON.
func (c *Config) moduleConfigs() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(c.Modules))
	for name, value := range c.Modules {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode config of module %s: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

// SampleConfig renders a YAML document with every default filled in and one
// example provider, as a starting point for a config file.
func SampleConfig() ([]byte, error) {
	cfg := DefaultConfig()
	cfg.Admin.Addr = "127.0.0.1:9464"
	cfg.OAuth.Providers = []oauth.ProviderConfig{{
		Provider:    "github",
		ClientID:    "your-client-id",
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		Scopes:      []string{"read:user"},
		RedirectURI: "http://127.0.0.1:8085/callback",
	}}
	cfg.Modules = map[string]any{"tokens": map[string]any{"providers": []string{"github"}}}
	return yaml.Marshal(cfg)
}
