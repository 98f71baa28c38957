package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/modhost/store"
)

const (
	tagDefault  = "default"
	tagRequired = "required"

	// ModuleConfigPrefix prefixes the store key holding a module's configuration.
	ModuleConfigPrefix = "config."
)

// RuntimeConfig holds the scheduler and call protocol tuning.
type RuntimeConfig struct {
	// MaxInitAttempts bounds how many times the scheduler waits for
	// dependencies before failing the modules still pending.
	MaxInitAttempts int           `json:"maxInitAttempts" yaml:"maxInitAttempts" toml:"maxInitAttempts" env:"MAX_INIT_ATTEMPTS" default:"20"`
	InitRetryDelay  time.Duration `json:"initRetryDelay" yaml:"initRetryDelay" toml:"initRetryDelay" env:"INIT_RETRY_DELAY" default:"5s"`

	// FailFastDependencies fails a module as soon as one of its
	// dependencies has failed instead of waiting out the attempt budget.
	FailFastDependencies bool `json:"failFastDependencies" yaml:"failFastDependencies" toml:"failFastDependencies" env:"FAIL_FAST_DEPENDENCIES"`

	WaitTimeout time.Duration `json:"waitTimeout" yaml:"waitTimeout" toml:"waitTimeout" env:"WAIT_TIMEOUT" default:"10s"`

	// CallTimeout bounds a remote call end to end. A remote token request
	// may run a refresh and then a whole interactive authorization, so it
	// must exceed the OAuth auth timeout plus two HTTP round trips or the
	// caller sees a deadline error instead of the authorization timeout.
	CallTimeout time.Duration `json:"callTimeout" yaml:"callTimeout" toml:"callTimeout" env:"CALL_TIMEOUT" default:"2m"`

	// Delivery retries apply to readiness broadcasts and remote calls.
	BroadcastAttempts   int           `json:"broadcastAttempts" yaml:"broadcastAttempts" toml:"broadcastAttempts" env:"BROADCAST_ATTEMPTS" default:"3"`
	BroadcastRetryDelay time.Duration `json:"broadcastRetryDelay" yaml:"broadcastRetryDelay" toml:"broadcastRetryDelay" env:"BROADCAST_RETRY_DELAY" default:"500ms"`
}

// DefaultRuntimeConfig returns the configuration with every default applied.
func DefaultRuntimeConfig() RuntimeConfig {
	var cfg RuntimeConfig
	_ = ProcessConfigDefaults(&cfg)
	return cfg
}

// ProcessConfigDefaults sets every zero-valued field carrying a
// `default:"..."` tag. Nested structs are processed recursively; nil struct
// pointers are left alone.
//
//	type Config struct {
//	    Host    string        `default:"localhost"`
//	    Timeout time.Duration `default:"5s"`
//	    Tags    []string      `default:"[\"a\",\"b\"]"`
//	}
func ProcessConfigDefaults(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	return processStructDefaults(v)
}

// ValidateConfigRequired checks that every `required:"true"` field is set.
func ValidateConfigRequired(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	var missing []string
	validateRequiredFields(v, "", &missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigRequiredFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

func structValue(cfg any) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, ErrConfigNotPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigNotStruct
	}
	return v, nil
}

func processStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		}
		if field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct {
			if !field.IsNil() {
				if err := processStructDefaults(field.Elem()); err != nil {
					return err
				}
			}
			continue
		}

		defaultVal, hasDefault := fieldType.Tag.Lookup(tagDefault)
		if !hasDefault || !field.IsZero() {
			continue
		}
		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

func validateRequiredFields(v reflect.Value, prefix string, missing *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldName := fieldType.Name
		if prefix != "" {
			fieldName = prefix + "." + fieldName
		}

		required := fieldType.Tag.Get(tagRequired) == "true"
		switch {
		case field.Kind() == reflect.Struct:
			validateRequiredFields(field, fieldName, missing)
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			if !field.IsNil() {
				validateRequiredFields(field.Elem(), fieldName, missing)
			} else if required {
				*missing = append(*missing, fieldName)
			}
		case required && isEmpty(field):
			*missing = append(*missing, fieldName)
		}
	}
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	default:
		return v.IsZero()
	}
}

func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse duration value: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(defaultVal)
	case reflect.Bool:
		b, err := strconv.ParseBool(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse bool value: %w", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(defaultVal, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse int value: %w", err)
		}
		if field.OverflowInt(i) {
			return fmt.Errorf("%w: %d overflows %s", ErrDefaultValueOverflows, i, field.Type())
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(defaultVal, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse uint value: %w", err)
		}
		if field.OverflowUint(u) {
			return fmt.Errorf("%w: %d overflows %s", ErrDefaultValueOverflows, u, field.Type())
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(defaultVal, 64)
		if err != nil {
			return fmt.Errorf("failed to parse float value: %w", err)
		}
		field.SetFloat(f)
	case reflect.Slice, reflect.Map:
		target := reflect.New(field.Type())
		if err := json.Unmarshal([]byte(defaultVal), target.Interface()); err != nil {
			return fmt.Errorf("failed to unmarshal JSON default: %w", err)
		}
		field.Set(target.Elem())
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
	return nil
}

// ModuleConfig is the raw configuration handed to a module's Initialize.
type ModuleConfig struct {
	module string
	raw    json.RawMessage
}

// NewModuleConfig wraps raw JSON configuration for module.
func NewModuleConfig(module string, raw json.RawMessage) ModuleConfig {
	return ModuleConfig{module: module, raw: raw}
}

// Module returns the name of the module the configuration belongs to.
func (c ModuleConfig) Module() string { return c.module }

// Present reports whether any configuration was supplied.
func (c ModuleConfig) Present() bool { return len(c.raw) > 0 }

// Raw returns the undecoded configuration.
func (c ModuleConfig) Raw() json.RawMessage { return c.raw }

// Decode unmarshals the configuration into target, then applies defaults
// and checks required fields.
func (c ModuleConfig) Decode(target any) error {
	if c.Present() {
		if err := json.Unmarshal(c.raw, target); err != nil {
			return fmt.Errorf("decode config for %s: %w", c.module, err)
		}
	}
	if err := ProcessConfigDefaults(target); err != nil {
		return fmt.Errorf("config defaults for %s: %w", c.module, err)
	}
	if err := ValidateConfigRequired(target); err != nil {
		return fmt.Errorf("config for %s: %w", c.module, err)
	}
	return nil
}

// moduleConfig resolves a module's configuration: the store entry
// config.<module> wins over configuration supplied through options.
func (rt *Runtime) moduleConfig(ctx context.Context, module string) (ModuleConfig, error) {
	if rt.store != nil {
		raw, err := rt.store.Get(ctx, ModuleConfigPrefix+module)
		switch {
		case err == nil:
			return NewModuleConfig(module, raw), nil
		case !errors.Is(err, store.ErrNotFound):
			return ModuleConfig{}, fmt.Errorf("load config for %s: %w", module, err)
		}
	}
	return NewModuleConfig(module, rt.moduleConfigs[module]), nil
}
