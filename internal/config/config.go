// Package config loads runtime configuration from defaults, an optional
// YAML file, and PLAGAPRO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (PLAGAPRO_CACHE_TTL, ...).
const EnvPrefix = "PLAGAPRO"

// Config is the full runtime configuration.
type Config struct {
	DataDir       string `mapstructure:"data_dir"`
	SchemaVersion string `mapstructure:"schema_version"`

	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig configures the localhost API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// RemoteConfig configures the remote store client.
type RemoteConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	APIPrefix  string        `mapstructure:"api_prefix"`
	HealthPath string        `mapstructure:"health_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// CacheConfig configures the response cache and the expiry sweeper.
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	StaticPatterns []string      `mapstructure:"static_patterns"`
}

// SyncConfig configures the pending-change queue and the sync coordinator.
type SyncConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	MaxPending         int           `mapstructure:"max_pending"`
	DeadLetterRejected bool          `mapstructure:"dead_letter_rejected"`
}

// ConnectivityConfig configures the health prober.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Stdout      bool   `mapstructure:"stdout"`
}

// DefaultStaticPatterns matches the app shell, icons, manifest and bundles.
var DefaultStaticPatterns = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/*.webmanifest",
	"/icons/*",
	"/assets/*",
	"*.js",
	"*.css",
	"*.png",
	"*.svg",
	"*.ico",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("schema_version", "1")

	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("log.level", "info")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.api_prefix", "/rest/v1/")
	v.SetDefault("remote.health_path", "/rest/v1/")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.retry_count", 2)

	v.SetDefault("cache.ttl", 7*24*time.Hour)
	v.SetDefault("cache.sweep_interval", 24*time.Hour)
	v.SetDefault("cache.static_patterns", DefaultStaticPatterns)

	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.max_pending", 10000)
	v.SetDefault("sync.dead_letter_rejected", false)

	v.SetDefault("connectivity.probe_interval", 30*time.Second)

	v.SetDefault("telemetry.service_name", "plagapro-offline")
	v.SetDefault("telemetry.stdout", false)
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration. path may be empty, in which case PLAGAPRO_CONFIG
// is consulted; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if ext := filepath.Ext(path); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.SchemaVersion == "" {
		errs = append(errs, errors.New("schema_version must not be empty"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.SweepInterval <= 0 {
		errs = append(errs, errors.New("cache.sweep_interval must be positive"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.MaxPending < 0 {
		errs = append(errs, errors.New("sync.max_pending must not be negative"))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if !strings.HasPrefix(c.Remote.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("remote.api_prefix %q must start with /", c.Remote.APIPrefix))
	}
	return errors.Join(errs...)
}
