// Package config reads and writes the per-profile config.toml.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the profile configuration. Durations are plain seconds so the
// file stays hand-editable.
type Config struct {
	UserID     string `toml:"user_id"`
	BackendURL string `toml:"backend_url"`
	AuthToken  string `toml:"auth_token"`

	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
	HeartbeatSeconds      int `toml:"heartbeat_seconds"`
	TypingDebounceSeconds int `toml:"typing_debounce_seconds"`
	FlushBatchSize        int `toml:"flush_batch_size"`
}

// Load reads config from the given path and fills defaults for unset
// tuning knobs. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 1
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 30
	}
	if c.TypingDebounceSeconds <= 0 {
		c.TypingDebounceSeconds = 3
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 10
	}
}
