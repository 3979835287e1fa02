// Package config loads the CLI configuration from flags, the environment and
// an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/schoolhub/sessionkeeper/session"
)

// EnvPrefix namespaces environment variables, e.g. SESSIONKEEPER_API_URL.
const EnvPrefix = "SESSIONKEEPER"

// Config holds the CLI configuration.
type Config struct {
	// APIURL is the base URL of the school REST API.
	APIURL string `mapstructure:"API_URL"`
	// DataDir holds the session database.
	DataDir string `mapstructure:"DATA_DIR"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFile, when set, sends logs to a rotating file instead of stderr.
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	// RefreshTimeout bounds a single token renewal (e.g. "15s").
	RefreshTimeout time.Duration `mapstructure:"REFRESH_TIMEOUT"`
	// EmailMatch is "exact" or "fold"; see session.EmailMatch.
	EmailMatch string `mapstructure:"EMAIL_MATCH"`
	// IdlePolicy is "none" or "reauth_sensitive"; see session.IdlePolicy.
	IdlePolicy      string `mapstructure:"IDLE_POLICY"`
	SyncConcurrency int    `mapstructure:"SYNC_CONCURRENCY"`
}

// New returns a Viper instance with defaults, the environment and, if it
// exists, envFile loaded. Callers may bind flags to it before Load.
func New(envFile string) *viper.Viper {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // a missing file is fine
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("API_URL", "http://localhost:8080/api")
	v.SetDefault("DATA_DIR", defaultDataDir())
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_BACKUPS", 3)
	v.SetDefault("REFRESH_TIMEOUT", session.DefaultRefreshTimeout.String())
	v.SetDefault("EMAIL_MATCH", "exact")
	v.SetDefault("IDLE_POLICY", "none")
	v.SetDefault("SYNC_CONCURRENCY", 4)
	return v
}

// Load builds and validates Config from v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	u, err := url.Parse(cfg.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("config: API_URL %q must be an absolute URL", cfg.APIURL)
	}
	if cfg.DataDir == "" {
		return nil, errors.New("config: DATA_DIR must be set")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	if cfg.RefreshTimeout <= 0 {
		return nil, errors.New("config: REFRESH_TIMEOUT must be positive")
	}
	if _, err := cfg.EmailMatchPolicy(); err != nil {
		return nil, err
	}
	if _, err := cfg.IdlePolicyValue(); err != nil {
		return nil, err
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = 4
	}
	return &cfg, nil
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl
}

// EmailMatchPolicy maps EmailMatch to a session.EmailMatch.
func (c *Config) EmailMatchPolicy() (session.EmailMatch, error) {
	switch c.EmailMatch {
	case "", "exact":
		return session.EmailMatchExact, nil
	case "fold":
		return session.EmailMatchFold, nil
	}
	return 0, fmt.Errorf("config: EMAIL_MATCH must be exact or fold, got %q", c.EmailMatch)
}

// IdlePolicyValue maps IdlePolicy to a session.IdlePolicy.
func (c *Config) IdlePolicyValue() (session.IdlePolicy, error) {
	switch c.IdlePolicy {
	case "", "none":
		return session.IdlePolicyNone, nil
	case "reauth-sensitive":
		return session.IdlePolicyReauthSensitive, nil
	}
	return 0, fmt.Errorf("config: IDLE_POLICY must be none or reauth-sensitive, got %q", c.IdlePolicy)
}

// DBPath is the session database inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "session.db")
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(dir, "sessionkeeper")
}
