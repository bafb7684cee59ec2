// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage providers selectable via storage.provider.
const (
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs worker pool and rate limiting behavior.
type CrawlerConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	UserAgent    string `mapstructure:"user_agent"`
	DelaySeconds int    `mapstructure:"delay_seconds"`
	Burst        int    `mapstructure:"burst"`
}

// HTTPConfig configures fetch timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds     int `mapstructure:"timeout_seconds"`
	MaxRetries         int `mapstructure:"max_retries"`
	BackoffInitialMs   int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int `mapstructure:"backoff_max_ms"`
	CooldownSeconds429 int `mapstructure:"cooldown_seconds_429"`
}

// PolicyConfig governs the robots policy cache.
type PolicyConfig struct {
	TTLSeconds     int `mapstructure:"ttl_seconds"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// PipelineConfig controls link discovery in the ETL pipeline.
type PipelineConfig struct {
	FollowLinks  bool   `mapstructure:"follow_links"`
	SameHostOnly bool   `mapstructure:"same_host_only"`
	LinkLabel    string `mapstructure:"link_label"`
}

// StorageConfig selects and configures the article store.
type StorageConfig struct {
	Provider      string `mapstructure:"provider"`
	ArticlesTable string `mapstructure:"articles_table"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "scrapeline-bot/0.1")
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.cooldown_seconds_429", 30)
	v.SetDefault("policy.ttl_seconds", 3600)
	v.SetDefault("policy.timeout_seconds", 10)
	v.SetDefault("pipeline.follow_links", true)
	v.SetDefault("pipeline.same_host_only", true)
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.articles_table", "articles")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.DelaySeconds < 0 {
		return fmt.Errorf("crawler.delay_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.provider is postgres")
		}
	default:
		return fmt.Errorf("storage.provider must be %q or %q", ProviderMemory, ProviderPostgres)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// FloorDelay is the static minimum spacing between same-domain requests.
func (c Config) FloorDelay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds) * time.Second
}

// BackoffInitial is the base retry backoff delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry backoff delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}

// Cooldown429 is the pause applied to a domain after a 429 response.
func (c Config) Cooldown429() time.Duration {
	return time.Duration(c.HTTP.CooldownSeconds429) * time.Second
}

// PolicyTTL is how long a cached robots policy stays fresh.
func (c Config) PolicyTTL() time.Duration {
	return time.Duration(c.Policy.TTLSeconds) * time.Second
}

// PolicyTimeout bounds a single robots.txt fetch.
func (c Config) PolicyTimeout() time.Duration {
	return time.Duration(c.Policy.TimeoutSeconds) * time.Second
}
