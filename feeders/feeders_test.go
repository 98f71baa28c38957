package feeders

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerConfig struct {
	Provider string   `yaml:"provider" toml:"provider" json:"provider"`
	Scopes   []string `yaml:"scopes" toml:"scopes" json:"scopes"`
}

type transportConfig struct {
	Engine string `yaml:"engine" toml:"engine" json:"engine" env:"TRANSPORT"`
	URL    string `yaml:"url" toml:"url" json:"url" env:"TRANSPORT_URL"`
}

type testConfig struct {
	Context   string            `yaml:"context" toml:"context" json:"context" env:"CONTEXT"`
	Attempts  int               `yaml:"attempts" toml:"attempts" json:"attempts" env:"ATTEMPTS"`
	FailFast  bool              `yaml:"failFast" toml:"failFast" json:"failFast" env:"FAIL_FAST"`
	Delay     time.Duration     `yaml:"delay" toml:"delay" json:"delay" env:"DELAY"`
	Timeout   *time.Duration    `yaml:"timeout" toml:"timeout" json:"timeout" env:"TIMEOUT"`
	Tags      []string          `yaml:"tags" toml:"tags" json:"tags" env:"TAGS"`
	Labels    map[string]string `yaml:"labels" toml:"labels" json:"labels"`
	Transport transportConfig   `yaml:"transport" toml:"transport" json:"transport"`
	Providers []providerConfig  `yaml:"providers" toml:"providers" json:"providers"`
}

const yamlDoc = `
context: background
attempts: 7
failFast: true
delay: 250ms
timeout: 2s
tags: [a, b]
labels:
  team: core
transport:
  engine: nats
  url: nats://localhost:4222
providers:
  - provider: github
    scopes: [repo]
`

const tomlDoc = `
context = "background"
attempts = 7
failFast = true
delay = "250ms"
timeout = "2s"
tags = ["a", "b"]

[labels]
team = "core"

[transport]
engine = "nats"
url = "nats://localhost:4222"

[[providers]]
provider = "github"
scopes = ["repo"]
`

const jsonDoc = `{
  "context": "background",
  "attempts": 7,
  "failFast": true,
  "delay": "250ms",
  "timeout": "2s",
  "tags": ["a", "b"],
  "labels": {"team": "core"},
  "transport": {"engine": "nats", "url": "nats://localhost:4222"},
  "providers": [{"provider": "github", "scopes": ["repo"]}]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func assertFed(t *testing.T, cfg testConfig) {
	t.Helper()
	assert.Equal(t, "background", cfg.Context)
	assert.Equal(t, 7, cfg.Attempts)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, 250*time.Millisecond, cfg.Delay)
	require.NotNil(t, cfg.Timeout)
	assert.Equal(t, 2*time.Second, *cfg.Timeout)
	assert.Equal(t, []string{"a", "b"}, cfg.Tags)
	assert.Equal(t, map[string]string{"team": "core"}, cfg.Labels)
	assert.Equal(t, transportConfig{Engine: "nats", URL: "nats://localhost:4222"}, cfg.Transport)
	assert.Equal(t, []providerConfig{{Provider: "github", Scopes: []string{"repo"}}}, cfg.Providers)
}

func TestFileFeeders(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "config.yaml", yamlDoc},
		{"toml", "config.toml", tomlDoc},
		{"json", "config.json", jsonDoc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeder, err := ForFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			var cfg testConfig
			require.NoError(t, feeder.Feed(&cfg))
			assertFed(t, cfg)
		})
	}
}

func TestFileFeedersFeedKey(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "config.yml", yamlDoc},
		{"toml", "config.toml", tomlDoc},
		{"json", "config.json", jsonDoc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeder, err := ForFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			var transport transportConfig
			require.NoError(t, feeder.FeedKey("transport", &transport))
			assert.Equal(t, "nats", transport.Engine)

			missing := transportConfig{Engine: "memory"}
			require.NoError(t, feeder.FeedKey("absent", &missing))
			assert.Equal(t, "memory", missing.Engine, "missing keys leave the target untouched")
		})
	}
}

func TestFileFeederKeepsUnsetValues(t *testing.T) {
	path := writeFile(t, "partial.yaml", "attempts: 3\n")
	cfg := testConfig{Context: "page", Attempts: 20}
	require.NoError(t, NewYamlFeeder(path).Feed(&cfg))
	assert.Equal(t, "page", cfg.Context)
	assert.Equal(t, 3, cfg.Attempts)
}

func TestForFileUnsupported(t *testing.T) {
	_, err := ForFile("config.ini")
	assert.ErrorIs(t, err, ErrUnsupportedFileType)
}

func TestJSONFeederTypeErrors(t *testing.T) {
	var cfg testConfig
	err := NewJSONFeeder(writeFile(t, "bad.json", `{"transport": "nats"}`)).Feed(&cfg)
	assert.ErrorIs(t, err, ErrExpectedMapForStruct)

	err = NewJSONFeeder(writeFile(t, "bad.json", `{"tags": "a"}`)).Feed(&cfg)
	assert.ErrorIs(t, err, ErrExpectedArrayForSlice)

	err = NewJSONFeeder(writeFile(t, "bad.json", `{"delay": "soon"}`)).Feed(&cfg)
	assert.ErrorIs(t, err, ErrCannotConvert)
}

func TestEnvFeeder(t *testing.T) {
	env := map[string]string{
		"APP_CONTEXT":       "offscreen",
		"APP_ATTEMPTS":      "4",
		"APP_FAIL_FAST":     "true",
		"APP_DELAY":         "1m",
		"APP_TIMEOUT":       "3s",
		"APP_TAGS":          "x, y,,z",
		"APP_TRANSPORT":     "redis",
		"APP_TRANSPORT_URL": "redis://localhost:6379/0",
	}
	feeder := NewAffixedEnvFeeder("app", "").WithLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	cfg := testConfig{Attempts: 20}
	require.NoError(t, feeder.Feed(&cfg))
	assert.Equal(t, "offscreen", cfg.Context)
	assert.Equal(t, 4, cfg.Attempts)
	assert.True(t, cfg.FailFast)
	assert.Equal(t, time.Minute, cfg.Delay)
	require.NotNil(t, cfg.Timeout)
	assert.Equal(t, 3*time.Second, *cfg.Timeout)
	assert.Equal(t, []string{"x", "y", "z"}, cfg.Tags)
	assert.Equal(t, transportConfig{Engine: "redis", URL: "redis://localhost:6379/0"}, cfg.Transport)
}

func TestEnvFeederProcessEnvironment(t *testing.T) {
	t.Setenv("MODHOST_CONTEXT", "page")
	t.Setenv("MODHOST_ATTEMPTS", "")

	cfg := testConfig{Attempts: 20}
	require.NoError(t, NewEnvFeeder().Feed(&cfg))
	assert.Equal(t, "page", cfg.Context)
	assert.Equal(t, 20, cfg.Attempts, "empty variables are ignored")
}

func TestEnvFeederErrors(t *testing.T) {
	var cfg testConfig
	assert.ErrorIs(t, NewAffixedEnvFeeder("", "").Feed(&cfg), ErrEnvEmptyPrefixAndSuffix)
	assert.ErrorIs(t, NewEnvFeeder().Feed(cfg), ErrInvalidStructure)

	feeder := NewAffixedEnvFeeder("app", "").WithLookup(func(key string) (string, bool) {
		return "not-a-number", key == "APP_ATTEMPTS"
	})
	assert.Error(t, feeder.Feed(&cfg))
}

func TestFeedOrder(t *testing.T) {
	path := writeFile(t, "config.yaml", yamlDoc)
	env := NewAffixedEnvFeeder("app", "").WithLookup(func(key string) (string, bool) {
		if key == "APP_CONTEXT" {
			return "page", true
		}
		return "", false
	})

	var cfg testConfig
	require.NoError(t, Feed(&cfg, NewYamlFeeder(path), env))
	assert.Equal(t, "page", cfg.Context)
	assert.Equal(t, 7, cfg.Attempts)
}

func TestEnvFeederNestedPrefix(t *testing.T) {
	type endpoint struct {
		URL string `env:"URL"`
	}
	type cfg struct {
		Primary   endpoint  `env:"PRIMARY"`
		Secondary *endpoint `env:"SECONDARY"`
		Skipped   endpoint  `env:"-"`
		Inherited endpoint
	}
	env := map[string]string{
		"APP_PRIMARY_URL":   "nats://a",
		"APP_SECONDARY_URL": "nats://b",
		"APP_URL":           "nats://c",
	}
	feeder := NewAffixedEnvFeeder("app", "").WithLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	c := cfg{Secondary: &endpoint{}}
	require.NoError(t, feeder.Feed(&c))
	assert.Equal(t, "nats://a", c.Primary.URL)
	assert.Equal(t, "nats://b", c.Secondary.URL)
	assert.Empty(t, c.Skipped.URL)
	assert.Equal(t, "nats://c", c.Inherited.URL)
}
