// Package config provides the YAML-based application configuration with
// first-run file creation and atomic saves.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration. Secrets (the Discord
// bot token) come from the environment, never from this file.
type Config struct {
	// APIBaseURL is the upstream game-data API root.
	APIBaseURL string `yaml:"api_base_url"`

	// PollCron is a cron-style schedule for the feed poll, in the robfig/cron
	// spec format (e.g. "@every 60s").
	PollCron string `yaml:"poll"`

	// CommandPrefix triggers text commands in guild channels.
	CommandPrefix string `yaml:"command_prefix"`

	// StorageBucket is the GCS bucket holding tenant and subscription
	// documents. Empty means local filesystem storage.
	StorageBucket string `yaml:"storage_bucket"`

	// LocalStoragePath backs the local storage mode.
	LocalStoragePath string `yaml:"local_storage_path"`

	// DryRun logs outbound Discord actions instead of performing them.
	DryRun bool `yaml:"dry_run"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:       "https://metaforge.app/api/arc-raiders",
		PollCron:         "@every 60s",
		CommandPrefix:    "!arc",
		LocalStoragePath: "./data",
	}
}

// Normalize fills in missing values so partially-filled configs from older
// versions still behave correctly.
func (c *Config) Normalize() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://metaforge.app/api/arc-raiders"
	}
	if c.PollCron == "" {
		c.PollCron = "@every 60s"
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "!arc"
	}
	if c.StorageBucket == "" && c.LocalStoragePath == "" {
		c.LocalStoragePath = "./data"
	}
}

// Load reads the configuration from the given YAML path. A missing file is a
// first run: the default config is written there and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory when needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".arcraiders-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
