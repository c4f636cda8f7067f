package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/idlehands/internal/config"
)

const defaultConfigName = "idlehands.yaml"

// resolveConfigPath mirrors the teacher's profile-aware resolution: an
// explicit flag value wins, then IDLEHANDS_CONFIG, then the default name in
// the current directory.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("IDLEHANDS_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// loadOrDefaultConfig loads path if it exists, falling back to
// config.Defaults() so every subcommand works without a config file present.
func loadOrDefaultConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Defaults(), nil
		}
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	return config.Load(path)
}
