package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// LocalConfigFile is the project-local settings filename.
const LocalConfigFile = "treefetch.local.toml"

// DefaultTarballTTL is how long a mutable-ref resolution stays fresh when no
// TTL is configured, in seconds.
const DefaultTarballTTL = 3600

// Settings holds the enumerated options the fetcher core consumes. It is
// resolved with Viper precedence: explicit overrides > treefetch.local.toml
// (project-local) > ~/.treefetch/config.toml (global) > defaults.
type Settings struct {
	// TarballTTL is the number of seconds a mutable-ref resolution (for
	// example a branch pinned to a revision) remains fresh.
	TarballTTL int64 `toml:"tarballTtl" mapstructure:"tarballTtl"`

	// GitHubAccessToken, when set, is appended to forge tarball URLs. It is
	// never part of cache keys.
	GitHubAccessToken string `toml:"githubAccessToken,omitempty" mapstructure:"githubAccessToken"`

	// CacheDir holds the fetcher cache database and the downloader's
	// on-disk cache. Defaults to ~/.treefetch.
	CacheDir string `toml:"cacheDir,omitempty" mapstructure:"cacheDir"`

	// StoreDir is the object-store root. Defaults to ~/.treefetch/store.
	StoreDir string `toml:"storeDir,omitempty" mapstructure:"storeDir"`

	// DefaultBranch is used when an input names no ref. Defaults to
	// "master".
	DefaultBranch string `toml:"defaultBranch,omitempty" mapstructure:"defaultBranch"`
}

// TarballTTLDuration returns TarballTTL as a duration.
func (s *Settings) TarballTTLDuration() time.Duration {
	return time.Duration(s.TarballTTL) * time.Second
}

// Load resolves settings using Viper's merge semantics over the global and
// project-local config files.
func Load() (*Settings, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	globalPath := filepath.Join(home, ".treefetch", "config.toml")
	return load(globalPath, LocalConfigFile)
}

// load is the internal implementation that accepts explicit paths, making it
// testable without touching the real home directory.
func load(globalPath, localPath string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("tarballTtl", DefaultTarballTTL)
	v.SetDefault("defaultBranch", "master")

	// Lowest priority: global config; ignore if missing.
	v.SetConfigFile(globalPath)
	_ = v.ReadInConfig()

	// Higher priority: project-local config.
	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	return &s, nil
}

// Save writes the settings as TOML to the given path, creating parent
// directories.
func (s *Settings) Save(path string) error {
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
