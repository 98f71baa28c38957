// Package feeders provides configuration feeders for reading data from YAML,
// TOML and JSON files and from environment variables.
package feeders

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidStructure        = errors.New("expected pointer to struct")
	ErrUnsupportedFileType     = errors.New("unsupported config file type")
	ErrExpectedMapForStruct    = errors.New("expected map for struct field")
	ErrExpectedArrayForSlice   = errors.New("expected array for slice field")
	ErrCannotConvert           = errors.New("cannot convert value to field type")
	ErrEnvEmptyPrefixAndSuffix = errors.New("env: prefix or suffix cannot be empty")
)

// Feeder populates a configuration structure from a source.
type Feeder interface {
	Feed(target interface{}) error
}

// KeyFeeder can populate a target from one top-level key of its source.
type KeyFeeder interface {
	Feeder
	FeedKey(key string, target interface{}) error
}

// ForFile picks a feeder by file extension.
func ForFile(path string) (KeyFeeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	case ".json":
		return NewJSONFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, path)
	}
}

// Feed applies feeders in order; later feeders override earlier ones.
func Feed(target interface{}, feeders ...Feeder) error {
	for _, f := range feeders {
		if err := f.Feed(target); err != nil {
			return err
		}
	}
	return nil
}
