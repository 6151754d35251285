// Package config manages application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ytsubs/internal/merge"
	"ytsubs/internal/quota"
	"ytsubs/internal/retry"
)

// Storage backends.
const (
	StorageJSON     = "json"
	StoragePostgres = "postgres"
)

// EnvPrefix prefixes every environment override, e.g. YTSUBS_DAILY_QUOTA.
const EnvPrefix = "YTSUBS"

// Config holds all application configuration.
type Config struct {
	// Directories
	StateDir   string `mapstructure:"state_dir"`
	SecretsDir string `mapstructure:"secrets_dir"`
	TakeoutDir string `mapstructure:"takeout_dir"`

	// Storage
	Storage     string `mapstructure:"storage"`
	DatabaseURL string `mapstructure:"database_url"`

	// Remote budget and pacing
	DailyQuota     int           `mapstructure:"daily_quota"`
	CallDelay      time.Duration `mapstructure:"call_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Retry settings
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxJitter   time.Duration `mapstructure:"max_jitter"`

	StaleAfter  time.Duration `mapstructure:"stale_after"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Schedule is the daemon's cron spec.
	Schedule string `mapstructure:"schedule"`
}

// Default returns configuration with safe defaults.
func Default() *Config {
	return &Config{
		StateDir:       filepath.Join(xdg.StateHome, "ytsubs"),
		SecretsDir:     filepath.Join(xdg.ConfigHome, "ytsubs", "secrets"),
		TakeoutDir:     "takeout",
		Storage:        StorageJSON,
		DailyQuota:     quota.DefaultDailyLimit,
		CallDelay:      1 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxAttempts:    5,
		BaseBackoff:    1 * time.Second,
		MaxJitter:      1 * time.Second,
		StaleAfter:     merge.DefaultStaleAfter,
		LockTimeout:    5 * time.Second,
		LogLevel:       "info",
		LogFormat:      "text",
		Schedule:       "@daily",
	}
}

// Load reads configuration. Priority: environment > config file > defaults.
//
// A .env file in the working directory is loaded into the environment first.
// configFile may be empty, in which case ytsubs.{yaml,json,toml} is looked up
// in the working directory and $XDG_CONFIG_HOME/ytsubs; not finding one is fine.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("ytsubs")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "ytsubs"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("secrets_dir", d.SecretsDir)
	v.SetDefault("takeout_dir", d.TakeoutDir)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("daily_quota", d.DailyQuota)
	v.SetDefault("call_delay", d.CallDelay)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("base_backoff", d.BaseBackoff)
	v.SetDefault("max_jitter", d.MaxJitter)
	v.SetDefault("stale_after", d.StaleAfter)
	v.SetDefault("lock_timeout", d.LockTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("schedule", d.Schedule)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if c.SecretsDir == "" {
		return fmt.Errorf("secrets_dir must be set")
	}
	switch c.Storage {
	case StorageJSON:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for %s storage", StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown storage %q (want %s or %s)", c.Storage, StorageJSON, StoragePostgres)
	}
	if c.DailyQuota <= 0 {
		return fmt.Errorf("daily_quota must be positive")
	}
	if c.CallDelay < 0 {
		return fmt.Errorf("call_delay must be non-negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("base_backoff must be positive")
	}
	if c.MaxJitter < 0 {
		return fmt.Errorf("max_jitter must be non-negative")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Retry returns the retry policy for remote calls.
func (c *Config) Retry() retry.Config {
	return retry.Config{MaxAttempts: c.MaxAttempts, BaseDelay: c.BaseBackoff, MaxJitter: c.MaxJitter}
}

// StorePath is the JSON store file.
func (c *Config) StorePath() string { return filepath.Join(c.StateDir, "ytsubs.json") }

// QuotaPath is the quota ledger file.
func (c *Config) QuotaPath() string { return filepath.Join(c.StateDir, "quota.json") }

// PassLockPath is the lock file serializing passes for one account.
func (c *Config) PassLockPath(account string) string {
	return filepath.Join(c.StateDir, account+".pass")
}
