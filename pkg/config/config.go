// Package config loads SDK configuration from a YAML file, with sensible
// defaults when the file or individual keys are absent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/statebus/statebus.go/pkg/constants"
)

// SyncConfig holds the timing knobs of the synchronization engine.
type SyncConfig struct {
	// StalenessThresholdSec is how long (in seconds) state may go without
	// a successful fetch or applied event before it is marked stale.
	StalenessThresholdSec int `mapstructure:"staleness_threshold_sec" yaml:"staleness_threshold_sec"`

	// FetchTimeoutSec bounds the full-state request/reply call.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`

	// NotificationTimeoutSec bounds single-notification commands.
	NotificationTimeoutSec int `mapstructure:"notification_timeout_sec" yaml:"notification_timeout_sec"`

	// ProfileTimeoutSec bounds profile updates and mark-all-read.
	ProfileTimeoutSec int `mapstructure:"profile_timeout_sec" yaml:"profile_timeout_sec"`
}

// StoreConfig locates the shared persisted store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory store.
	Path string `mapstructure:"path" yaml:"path"`
}

// TabSyncConfig configures cross-instance invalidation signalling.
type TabSyncConfig struct {
	// FilePath, when set, selects the shared-file channel so instances in
	// separate processes can signal each other.
	FilePath string `mapstructure:"file_path" yaml:"file_path"`
}

// Config is the top-level SDK configuration.
type Config struct {
	// Namespace prefixes every bus subject the client uses.
	Namespace string        `mapstructure:"namespace" yaml:"namespace"`
	Store     StoreConfig   `mapstructure:"store" yaml:"store"`
	TabSync   TabSyncConfig `mapstructure:"tabsync" yaml:"tabsync"`
	Sync      SyncConfig    `mapstructure:"sync" yaml:"sync"`
}

func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Sync.StalenessThresholdSec) * time.Second
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Sync.FetchTimeoutSec) * time.Second
}

func (c *Config) NotificationTimeout() time.Duration {
	return time.Duration(c.Sync.NotificationTimeoutSec) * time.Second
}

func (c *Config) ProfileTimeout() time.Duration {
	return time.Duration(c.Sync.ProfileTimeoutSec) * time.Second
}

// DefaultConfigPath returns ~/.config/statebus/config.yaml, falling back
// to the working directory when the home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "statebus", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		Namespace: "app",
		Sync: SyncConfig{
			StalenessThresholdSec:  int(constants.DefaultStalenessThreshold / time.Second),
			FetchTimeoutSec:        int(constants.DefaultFetchTimeout / time.Second),
			NotificationTimeoutSec: int(constants.DefaultNotificationTimeout / time.Second),
			ProfileTimeoutSec:      int(constants.DefaultProfileTimeout / time.Second),
		},
	}
}

// Load reads configuration from the given YAML file. A missing file
// yields the defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("namespace", "app")
	v.SetDefault("sync.staleness_threshold_sec", int(constants.DefaultStalenessThreshold/time.Second))
	v.SetDefault("sync.fetch_timeout_sec", int(constants.DefaultFetchTimeout/time.Second))
	v.SetDefault("sync.notification_timeout_sec", int(constants.DefaultNotificationTimeout/time.Second))
	v.SetDefault("sync.profile_timeout_sec", int(constants.DefaultProfileTimeout/time.Second))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file at path, creating parent
// directories as needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("namespace", cfg.Namespace)
	v.Set("store", cfg.Store)
	v.Set("tabsync", cfg.TabSync)
	v.Set("sync", cfg.Sync)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}
