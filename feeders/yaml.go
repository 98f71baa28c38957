package feeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YamlFeeder is a feeder that reads YAML files
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder creates a new YamlFeeder that reads from the specified YAML file
func NewYamlFeeder(filePath string) YamlFeeder {
	return YamlFeeder{Path: filePath}
}

// Feed reads the YAML file into target. Keys absent from the file leave the
// target's current values in place.
func (y YamlFeeder) Feed(target interface{}) error {
	data, err := os.ReadFile(y.Path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file %s: %w", y.Path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse YAML file %s: %w", y.Path, err)
	}
	return nil
}

// FeedKey reads a YAML file and extracts a specific key
func (y YamlFeeder) FeedKey(key string, target interface{}) error {
	var allData map[string]yaml.Node
	if err := y.Feed(&allData); err != nil {
		return err
	}

	node, exists := allData[key]
	if !exists {
		return nil
	}
	if err := node.Decode(target); err != nil {
		return fmt.Errorf("failed to decode YAML key %q: %w", key, err)
	}
	return nil
}
