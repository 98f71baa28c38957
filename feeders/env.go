package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// DefaultEnvPrefix is the prefix used by NewEnvFeeder.
const DefaultEnvPrefix = "MODHOST"

// AffixedEnvFeeder is a feeder that reads environment variables with a prefix and/or suffix.
// Nested structs inherit the prefix, extended by the struct field's own env
// tag when it has one; `env:"-"` skips a field entirely.
type AffixedEnvFeeder struct {
	Prefix string
	Suffix string
	lookup func(string) (string, bool)
}

// NewEnvFeeder reads MODHOST_-prefixed variables.
func NewEnvFeeder() AffixedEnvFeeder {
	return NewAffixedEnvFeeder(DefaultEnvPrefix, "")
}

// NewAffixedEnvFeeder creates a new AffixedEnvFeeder with the specified prefix and suffix
func NewAffixedEnvFeeder(prefix, suffix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix, Suffix: suffix, lookup: os.LookupEnv}
}

// WithLookup returns a copy of the feeder that resolves variables through
// lookup instead of the process environment.
func (f AffixedEnvFeeder) WithLookup(lookup func(string) (string, bool)) AffixedEnvFeeder {
	f.lookup = lookup
	return f
}

// Feed reads environment variables and populates the provided structure
func (f AffixedEnvFeeder) Feed(structure interface{}) error {
	if f.Prefix == "" && f.Suffix == "" {
		return ErrEnvEmptyPrefixAndSuffix
	}
	inputType := reflect.TypeOf(structure)
	if inputType == nil || inputType.Kind() != reflect.Ptr || inputType.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %T", ErrInvalidStructure, structure)
	}
	if f.lookup == nil {
		f.lookup = os.LookupEnv
	}
	return f.processStructFields(reflect.ValueOf(structure).Elem())
}

func (f AffixedEnvFeeder) processStructFields(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !field.CanSet() {
			continue
		}
		if err := f.processField(field, &fieldType); err != nil {
			return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}

func (f AffixedEnvFeeder) processField(field reflect.Value, fieldType *reflect.StructField) error {
	envTag, hasTag := fieldType.Tag.Lookup("env")

	if envTag == "-" {
		return nil
	}

	switch {
	case field.Kind() == reflect.Struct:
		return f.nested(envTag).processStructFields(field)
	case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
		if !field.IsNil() {
			return f.nested(envTag).processStructFields(field.Elem())
		}
		return nil
	case !hasTag:
		return nil
	}

	value, ok := f.lookup(f.envName(envTag))
	if !ok || value == "" {
		return nil
	}
	return setFieldValue(field, value)
}

// nested returns the feeder for a struct field. A tagged struct extends the
// prefix with its tag.
func (f AffixedEnvFeeder) nested(tag string) AffixedEnvFeeder {
	if tag == "" {
		return f
	}
	if f.Prefix == "" {
		f.Prefix = tag
	} else {
		f.Prefix = f.Prefix + "_" + tag
	}
	return f
}

func (f AffixedEnvFeeder) envName(tag string) string {
	name := strings.ToUpper(tag)
	if f.Prefix != "" {
		name = strings.ToUpper(f.Prefix) + "_" + name
	}
	if f.Suffix != "" {
		name = name + "_" + strings.ToUpper(f.Suffix)
	}
	return name
}

// setFieldValue converts and sets a field value
func setFieldValue(field reflect.Value, strValue string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(strValue)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCannotConvert, err)
		}
		field.SetInt(int64(d))
		return nil
	case field.Kind() == reflect.Ptr:
		elem := reflect.New(field.Type().Elem())
		if err := setFieldValue(elem.Elem(), strValue); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		parts := strings.Split(strValue, ",")
		slice := reflect.MakeSlice(field.Type(), 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				slice = reflect.Append(slice, reflect.ValueOf(part).Convert(field.Type().Elem()))
			}
		}
		field.Set(slice)
		return nil
	}

	convertedValue, err := cast.FromType(strValue, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(convertedValue).Convert(field.Type()))
	return nil
}
