package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML session config file from path, expanding environment
// variables (the teacher's loader.go does this for every config file before
// parsing) and decoding strictly — unknown keys are an error rather than a
// silent no-op, matching decodeRawConfig's yaml.Decoder.KnownFields(true).
//
// Missing values fall back to Defaults(); Load always starts from a
// defaulted Config and decodes onto it, so a config file only needs to
// specify the knobs it wants to override.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes onto a defaulted Config.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Defaults()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}
	return cfg, nil
}

// Save writes cfg back to path as YAML, for the CLI embedder's config-init
// flow and for tests that round-trip a modified Config.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
