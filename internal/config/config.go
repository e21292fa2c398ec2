package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.quill/config.toml plus per-profile
// remote credentials. Environment variables (QUILL_*) override file values
// so containerized deployments can skip the file entirely.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Remote persistence service.
	RemoteURL   string `toml:"remote_url"`
	APIKey      string `toml:"api_key"`
	AccessToken string `toml:"access_token"`

	// Identity of the local user, used to recognize own-send echoes.
	UserID string `toml:"user_id"`

	// Media upload service; defaults to RemoteURL's upload endpoint.
	MediaURL string `toml:"media_url"`
}

// Load reads config from the given path and applies environment overrides.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if cfg.MediaURL == "" && cfg.RemoteURL != "" {
		cfg.MediaURL = strings.TrimRight(cfg.RemoteURL, "/") + "/storage/v1/upload"
	}
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

// Validate checks that the fields the daemon cannot run without are set.
func (c *Config) Validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required (config or QUILL_REMOTE_URL)")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required (config or QUILL_USER_ID)")
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"QUILL_DEFAULT_PROFILE", &c.DefaultProfile},
		{"QUILL_REMOTE_URL", &c.RemoteURL},
		{"QUILL_API_KEY", &c.APIKey},
		{"QUILL_ACCESS_TOKEN", &c.AccessToken},
		{"QUILL_USER_ID", &c.UserID},
		{"QUILL_MEDIA_URL", &c.MediaURL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
}
