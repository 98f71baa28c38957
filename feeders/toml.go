package feeders

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// TomlFeeder is a feeder that reads TOML files
type TomlFeeder struct {
	Path string
}

func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{Path: filePath}
}

func (t TomlFeeder) Feed(target interface{}) error {
	if _, err := toml.DecodeFile(t.Path, target); err != nil {
		return fmt.Errorf("failed to read TOML file %s: %w", t.Path, err)
	}
	return nil
}

// FeedKey reads a TOML file and extracts a specific key
func (t TomlFeeder) FeedKey(key string, target interface{}) error {
	var allData map[string]toml.Primitive
	md, err := toml.DecodeFile(t.Path, &allData)
	if err != nil {
		return fmt.Errorf("failed to read TOML file %s: %w", t.Path, err)
	}

	value, exists := allData[key]
	if !exists {
		return nil
	}
	if err := md.PrimitiveDecode(value, target); err != nil {
		return fmt.Errorf("failed to decode TOML key %q: %w", key, err)
	}
	return nil
}
