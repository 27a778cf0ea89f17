package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timeouts, in seconds, matching the published client defaults
const (
	DefaultRequestTimeoutSeconds  = 6
	DefaultDownloadTimeoutSeconds = 20
	DefaultConcurrency            = 4
)

// Config represents the complete archivesyncd configuration
type Config struct {
	Update UpdateConfig `yaml:"update"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// UpdateConfig configures the remote update source. An empty
// manifest_url means the client runs permanently offline and never
// attempts the network.
type UpdateConfig struct {
	ManifestURL            string `yaml:"manifest_url"`
	AppReleaseURL          string `yaml:"app_release_url"`
	CheckOnStartup         *bool  `yaml:"check_on_startup"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds"`
	DownloadTimeoutSeconds int    `yaml:"download_timeout_seconds"`
	RemoveDeleted          bool   `yaml:"remove_deleted"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	ArchiveRoot string `yaml:"archive_root"`
}

// SyncConfig configures apply-phase behavior
type SyncConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// ServeConfig configures the publisher-side file server
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no config file exists:
// offline-only mode, no network attempts.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load, except a missing config file yields
// the offline default configuration instead of an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Update.ManifestURL = os.ExpandEnv(c.Update.ManifestURL)
	c.Update.AppReleaseURL = os.ExpandEnv(c.Update.AppReleaseURL)
	c.Paths.ArchiveRoot = os.ExpandEnv(c.Paths.ArchiveRoot)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Update.RequestTimeoutSeconds <= 0 {
		c.Update.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	if c.Update.DownloadTimeoutSeconds <= 0 {
		c.Update.DownloadTimeoutSeconds = DefaultDownloadTimeoutSeconds
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.ArchiveRoot == "" {
		return fmt.Errorf("paths.archive_root is required")
	}
	if !filepath.IsAbs(c.Paths.ArchiveRoot) {
		return fmt.Errorf("paths.archive_root must be an absolute path: %s", c.Paths.ArchiveRoot)
	}

	if c.Serve.Enabled && c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required when serve is enabled")
	}

	return nil
}

// Offline reports whether the client runs without any update source
func (c *Config) Offline() bool {
	return c.Update.ManifestURL == ""
}

// CheckOnStartup reports whether the consumer should check for updates
// at startup; defaults to true when unset.
func (c *Config) CheckOnStartup() bool {
	if c.Update.CheckOnStartup == nil {
		return true
	}
	return *c.Update.CheckOnStartup
}

// RequestTimeout returns the manifest fetch timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Update.RequestTimeoutSeconds) * time.Second
}

// DownloadTimeout returns the per-file download timeout
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Update.DownloadTimeoutSeconds) * time.Second
}
