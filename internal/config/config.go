// Package config loads service configuration from defaults, an optional
// YAML file and NUTRISYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Auth     AuthConfig     `mapstructure:"auth"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig enables the shared rate window when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type IngestConfig struct {
	MaxGrams    float64       `mapstructure:"max_grams"`
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
}

type SyncConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	AccessTTL    time.Duration `mapstructure:"access_ttl"`
	RefreshTTL   time.Duration `mapstructure:"refresh_ttl"`
	OIDCIssuer   string        `mapstructure:"oidc_issuer"`
	OIDCClientID string        `mapstructure:"oidc_client_id"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration into a Config using v, which callers may have
// bound to command-line flags beforehand.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("NUTRISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

// SetDefaults registers every key with its default so that environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ingest.max_grams", 5000.0)
	v.SetDefault("ingest.dedup_window", "60s")
	v.SetDefault("ingest.rate_limit", 20)
	v.SetDefault("ingest.rate_window", "60s")

	v.SetDefault("sync.default_limit", 100)
	v.SetDefault("sync.max_limit", 500)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.refresh_ttl", "720h")
	v.SetDefault("auth.oidc_issuer", "")
	v.SetDefault("auth.oidc_client_id", "")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "nutrisync")
	v.SetDefault("mqtt.topic_prefix", "nutrisync")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func validateConfig(cfg *Config) error {
	if cfg.Auth.JWTSecret == "" && cfg.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.jwt_secret or auth.oidc_issuer is required")
	}
	if cfg.Ingest.MaxGrams <= 0 {
		return fmt.Errorf("ingest.max_grams must be positive")
	}
	if cfg.Ingest.RateLimit <= 0 || cfg.Ingest.RateWindow <= 0 {
		return fmt.Errorf("ingest.rate_limit and ingest.rate_window must be positive")
	}
	if cfg.Sync.DefaultLimit <= 0 || cfg.Sync.MaxLimit < cfg.Sync.DefaultLimit {
		return fmt.Errorf("sync.default_limit must be positive and not exceed sync.max_limit")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}
