package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"trade_runtime/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	// The mailbox root must exist or be creatable before any transport
	// starts, so a fallback activation never fails on a missing directory.
	if err := os.MkdirAll(cfg.Mailbox.Root, 0o755); err != nil {
		return fmt.Errorf("mailbox root %s is not writable: %w", cfg.Mailbox.Root, err)
	}

	if cfg.Storage.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Storage.Path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("storage directory %s is not writable: %w", dir, err)
			}
		}
	}

	if dir := filepath.Dir(cfg.Emergency.CommandFile); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("emergency command directory %s: %w", dir, err)
		}
	}

	return nil
}
