// Package logmask decorates a key/value logger so that credentials never
// reach log output. Values are masked by field name (access_token,
// client_secret and friends) and by pattern (bearer headers, JWTs) before
// the wrapped logger sees them.
//
//	logger, err := logmask.New(base, logmask.Config{})
//	logger.Info("Token refreshed", "provider", "github", "access_token", tok)
//	// access_token="[REDACTED]"
package logmask

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Redacted replaces a fully masked value.
const Redacted = "[REDACTED]"

var ErrUnknownStrategy = errors.New("unknown mask strategy")

// Strategy selects how a matched value is masked.
type Strategy string

const (
	StrategyRedact  Strategy = "redact"
	StrategyPartial Strategy = "partial"
	StrategyHash    Strategy = "hash"
	StrategyNone    Strategy = "none"
)

// Logger is the key/value logger shape shared by the runtime and the token
// manager.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Maskable values decide their own log representation.
type Maskable interface {
	MaskedValue() any
}

// Secret is a string that always logs as Redacted.
type Secret string

func (Secret) MaskedValue() any { return Redacted }

// FieldRule masks the value logged under Field. Matching ignores case.
type FieldRule struct {
	Field    string   `json:"field" yaml:"field" toml:"field"`
	Strategy Strategy `json:"strategy" yaml:"strategy" toml:"strategy"`
}

// PatternRule masks string values matching Pattern.
type PatternRule struct {
	Pattern  string   `json:"pattern" yaml:"pattern" toml:"pattern"`
	Strategy Strategy `json:"strategy" yaml:"strategy" toml:"strategy"`
}

// Config configures masking. Empty rule lists fall back to DefaultFields and
// DefaultPatterns.
type Config struct {
	Disabled bool          `json:"disabled" yaml:"disabled" toml:"disabled" env:"DISABLED"`
	Fields   []FieldRule   `json:"fields,omitempty" yaml:"fields,omitempty" toml:"fields,omitempty"`
	Patterns []PatternRule `json:"patterns,omitempty" yaml:"patterns,omitempty" toml:"patterns,omitempty"`

	// Keep is how many leading and trailing characters a partial mask shows.
	Keep int `json:"keep" yaml:"keep" toml:"keep" env:"KEEP" default:"3"`
}

// DefaultFields covers the OAuth parameters and token fields.
func DefaultFields() []FieldRule {
	rules := []FieldRule{{Field: "state", Strategy: StrategyPartial}}
	for _, name := range []string{
		"access_token", "accessToken", "refresh_token", "refreshToken", "id_token",
		"token", "client_secret", "clientSecret", "code", "code_verifier",
		"password", "secret", "authorization",
	} {
		rules = append(rules, FieldRule{Field: name, Strategy: StrategyRedact})
	}
	return rules
}

// DefaultPatterns catch bearer credentials and JWTs logged under any field.
func DefaultPatterns() []PatternRule {
	return []PatternRule{
		{Pattern: `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`, Strategy: StrategyRedact},
		{Pattern: `\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`, Strategy: StrategyRedact},
	}
}

type pattern struct {
	re       *regexp.Regexp
	strategy Strategy
}

// MaskingLogger masks arguments and forwards to the wrapped logger.
type MaskingLogger struct {
	next     Logger
	disabled bool
	keep     int
	fields   map[string]Strategy
	patterns []pattern
}

// New wraps next. It fails on an invalid pattern or strategy.
func New(next Logger, cfg Config) (*MaskingLogger, error) {
	l := &MaskingLogger{
		next:     next,
		disabled: cfg.Disabled,
		keep:     cfg.Keep,
		fields:   make(map[string]Strategy),
	}
	if l.keep <= 0 {
		l.keep = 3
	}

	fields := cfg.Fields
	if len(fields) == 0 {
		fields = DefaultFields()
	}
	for _, rule := range fields {
		if err := rule.Strategy.validate(); err != nil {
			return nil, fmt.Errorf("field %s: %w", rule.Field, err)
		}
		l.fields[strings.ToLower(rule.Field)] = rule.Strategy
	}

	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	for _, rule := range patterns {
		if err := rule.Strategy.validate(); err != nil {
			return nil, fmt.Errorf("pattern %s: %w", rule.Pattern, err)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile mask pattern %q: %w", rule.Pattern, err)
		}
		l.patterns = append(l.patterns, pattern{re: re, strategy: rule.Strategy})
	}
	return l, nil
}

func (s Strategy) validate() error {
	switch s {
	case StrategyRedact, StrategyPartial, StrategyHash, StrategyNone, "":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

func (l *MaskingLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.Mask(args...)...) }
func (l *MaskingLogger) Error(msg string, args ...any) { l.next.Error(msg, l.Mask(args...)...) }
func (l *MaskingLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.Mask(args...)...) }
func (l *MaskingLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.Mask(args...)...) }

// Mask returns a copy of the key/value pairs with masking applied.
func (l *MaskingLogger) Mask(args ...any) []any {
	if l.disabled || len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	copy(out, args)
	for i := 1; i < len(out); i += 2 {
		key, _ := out[i-1].(string)
		out[i] = l.maskValue(key, out[i])
	}
	return out
}

func (l *MaskingLogger) maskValue(key string, value any) any {
	if m, ok := value.(Maskable); ok {
		return m.MaskedValue()
	}
	if strategy, ok := l.fields[strings.ToLower(key)]; ok {
		return l.apply(strategy, value)
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case error:
		s = v.Error()
	default:
		return value
	}
	masked := s
	for _, p := range l.patterns {
		masked = p.re.ReplaceAllStringFunc(masked, func(match string) string {
			return fmt.Sprint(l.apply(p.strategy, match))
		})
	}
	if masked == s {
		return value
	}
	return masked
}

func (l *MaskingLogger) apply(strategy Strategy, value any) any {
	switch strategy {
	case StrategyNone:
		return value
	case StrategyPartial:
		s, ok := value.(string)
		if !ok || len(s) <= 2*l.keep {
			return Redacted
		}
		return s[:l.keep] + strings.Repeat("*", len(s)-2*l.keep) + s[len(s)-l.keep:]
	case StrategyHash:
		sum := sha256.Sum256([]byte(fmt.Sprint(value)))
		return "[SHA256:" + hex.EncodeToString(sum[:8]) + "]"
	default:
		return Redacted
	}
}
