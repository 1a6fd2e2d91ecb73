// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Log         LogConfig               `yaml:"log"`
	Store       StoreConfig             `yaml:"store"`
	Playback    PlaybackConfig          `yaml:"playback"`
	Upload      UploadConfig            `yaml:"upload"`
	Persistence PersistenceConfig       `yaml:"persistence"`
	Filters     map[string]FilterConfig `yaml:"filters"`
	Watch       WatchConfig             `yaml:"watch"`
}

// ServerConfig represents server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Token string      `yaml:"token"` // Empty disables authentication
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// LogConfig represents logging configuration. Command-line flags override it.
type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	File       string `yaml:"file"` // Empty logs to stdout
	MaxSizeMB  int    `yaml:"max_size_mb" default:"50" validate:"gt=0"`
	MaxBackups int    `yaml:"max_backups" default:"3" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" default:"28" validate:"gte=0"`
}

// StoreConfig represents the durable store configuration.
type StoreConfig struct {
	Backend   string      `yaml:"backend" default:"file" validate:"oneof=memory file redis sqlite"`
	Path      string      `yaml:"path" default:"tapedeck.json"`
	KeyPrefix string      `yaml:"key_prefix" default:"tapedeck"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig represents the redis backend configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// PlaybackConfig represents playback configuration.
type PlaybackConfig struct {
	Output               string  `yaml:"output" default:"speaker" validate:"oneof=speaker silent"`
	DefaultVolume        float64 `yaml:"default_volume" default:"1" validate:"gte=0,lte=1"`
	TimeUpdateIntervalMs int     `yaml:"time_update_interval_ms" default:"250" validate:"gte=10,lte=5000"`
	Resume               bool    `yaml:"resume"`
	ResumeSaveIntervalMs int     `yaml:"resume_save_interval_ms" default:"5000" validate:"gte=100"`
}

// UploadConfig represents upload ingestion configuration.
type UploadConfig struct {
	ProbeTimeoutMs   int `yaml:"probe_timeout_ms" default:"10000" validate:"gt=0"`
	ProbeConcurrency int `yaml:"probe_concurrency" default:"4" validate:"gt=0,lte=64"`
}

// PersistenceConfig represents playlist persistence configuration.
type PersistenceConfig struct {
	EncodeConcurrency int `yaml:"encode_concurrency" default:"4" validate:"gt=0,lte=64"`
	SaveDebounceMs    int `yaml:"save_debounce_ms" default:"200" validate:"gte=0"`
}

// WatchConfig represents the drop-folder configuration.
type WatchConfig struct {
	Dir      string `yaml:"dir"` // Empty disables the watcher
	SettleMs int    `yaml:"settle_ms" default:"500" validate:"gte=0"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	_ = defaults.Set(&cfg)
	return &cfg
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("TAPEDECK_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("TAPEDECK_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("TAPEDECK_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	switch c.Store.Backend {
	case "file", "sqlite":
		if c.Store.Path == "" {
			return errors.Newf("store.path is required for backend %s", c.Store.Backend)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for backend redis")
		}
	}

	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// GetFilterSettings returns the settings for a filter.
func (c *Config) GetFilterSettings(filterName string) map[string]any {
	if f, ok := c.Filters[filterName]; ok {
		return f.Settings
	}
	return nil
}

// TimeUpdateInterval returns the position update interval.
func (c *Config) TimeUpdateInterval() time.Duration {
	return time.Duration(c.Playback.TimeUpdateIntervalMs) * time.Millisecond
}

// ResumeSaveInterval returns how often the resume pointer is saved while playing.
func (c *Config) ResumeSaveInterval() time.Duration {
	return time.Duration(c.Playback.ResumeSaveIntervalMs) * time.Millisecond
}

// ProbeTimeout returns the per-file duration probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Upload.ProbeTimeoutMs) * time.Millisecond
}

// SaveDebounce returns how long playlist saves are coalesced.
func (c *Config) SaveDebounce() time.Duration {
	return time.Duration(c.Persistence.SaveDebounceMs) * time.Millisecond
}

// WatchSettle returns how long a dropped file must stay unchanged before ingest.
func (c *Config) WatchSettle() time.Duration {
	return time.Duration(c.Watch.SettleMs) * time.Millisecond
}
