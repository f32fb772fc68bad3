// Package config handles BridgeCal configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bridgecal/config.yaml, /config/config.yaml,
// /etc/bridgecal/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bridgecal", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/bridgecal/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid matching real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// RedactionMode controls how much event content mirrors carry.
type RedactionMode string

const (
	// RedactionNone mirrors summary, location, and description as-is.
	RedactionNone RedactionMode = "none"
	// RedactionBusyOnly replaces summary with "Busy" and clears
	// location/description on every mirror write.
	RedactionBusyOnly RedactionMode = "busy-only"
)

// Config holds all BridgeCal configuration.
type Config struct {
	Window    WindowConfig  `yaml:"window"`
	Mapping   MappingConfig `yaml:"mapping"`
	Outlook   OutlookConfig `yaml:"outlook"`
	Google    GoogleConfig  `yaml:"google"`
	Redaction RedactionMode `yaml:"redaction_mode"`
	LogLevel  string        `yaml:"log_level"`
}

// WindowConfig bounds the rolling sync window and loop cadence.
type WindowConfig struct {
	PastDays        int `yaml:"past_days"`
	FutureDays      int `yaml:"future_days"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// MappingConfig locates the durable mapping store.
type MappingConfig struct {
	Path string `yaml:"path"`
}

// OutlookConfig configures the CalDAV endpoint used for the Outlook side
// (typically an Exchange/Office 365 CalDAV URL). See
// internal/adapter/caldav for the adapter this feeds.
type OutlookConfig struct {
	CalDAVURL    string `yaml:"caldav_url"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
}

// GoogleConfig configures the Google Calendar API adapter. Token
// acquisition happens upstream of BridgeCal (see internal/adapter/google);
// this names which calendar to mirror into/out of and the file holding
// the cached OAuth2 token.
type GoogleConfig struct {
	CalendarID     string `yaml:"calendar_id"`
	TokenCacheFile string `yaml:"token_cache_file"`
}

// Past returns the backward half of the sync window.
func (c WindowConfig) Past() time.Duration {
	return time.Duration(c.PastDays) * 24 * time.Hour
}

// Future returns the forward half of the sync window.
func (c WindowConfig) Future() time.Duration {
	return time.Duration(c.FutureDays) * 24 * time.Hour
}

// Interval returns the configured loop interval.
func (c WindowConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for unset window, mapping and redaction
// fields, and validates the result. Outlook, Google and LogLevel fields
// keep whatever the file set and may be empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}) for container deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value window, mapping path and redaction
// fields with sensible defaults. Called automatically by Load. Outlook,
// Google and LogLevel fields are left as they are.
func (c *Config) applyDefaults() {
	if c.Window.PastDays == 0 {
		c.Window.PastDays = 30
	}
	if c.Window.FutureDays == 0 {
		c.Window.FutureDays = 180
	}
	if c.Window.IntervalSeconds == 0 {
		c.Window.IntervalSeconds = 300
	}
	if c.Mapping.Path == "" {
		c.Mapping.Path = "./bridgecal.db"
	}
	if c.Redaction == "" {
		c.Redaction = RedactionNone
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Window.PastDays < 0 {
		return fmt.Errorf("window.past_days %d must be >= 0", c.Window.PastDays)
	}
	if c.Window.FutureDays <= 0 {
		return fmt.Errorf("window.future_days %d must be > 0", c.Window.FutureDays)
	}
	if c.Window.IntervalSeconds <= 0 {
		return fmt.Errorf("window.interval_seconds %d must be > 0", c.Window.IntervalSeconds)
	}
	if c.Mapping.Path == "" {
		return fmt.Errorf("mapping.path must not be empty")
	}
	switch c.Redaction {
	case RedactionNone, RedactionBusyOnly:
	default:
		return fmt.Errorf("redaction_mode %q must be one of: none, busy-only", c.Redaction)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with all defaults applied,
// suitable as a starting point before overriding adapter connection
// details.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
