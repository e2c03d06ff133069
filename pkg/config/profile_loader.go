package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads a YAML deployment profile over the defaults. Only keys
// present in the file override; everything else keeps its default. Unknown
// keys are rejected so a typoed profile fails loudly instead of silently
// running on defaults.
func LoadProfile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading profile: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing profile %s: %w", path, err)
	}
	return cfg, nil
}
