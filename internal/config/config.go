// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Admin     AdminConfig     `mapstructure:"admin"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Queue     QueueConfig     `mapstructure:"queue"`
	DB        DBConfig        `mapstructure:"db"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AdminConfig controls the health/metrics HTTP listener.
type AdminConfig struct {
	Port int `mapstructure:"port"`
}

// WorkerConfig governs job consumption fan-out.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// BrowserConfig configures the headless browser executor.
type BrowserConfig struct {
	Headless    bool   `mapstructure:"headless"`
	MaxParallel int    `mapstructure:"max_parallel"`
	UserAgent   string `mapstructure:"user_agent"`
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	Backend      string `mapstructure:"backend"`
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	Depth        int    `mapstructure:"depth"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// ArtifactsConfig selects and configures result artifact storage.
type ArtifactsConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
}

// ProxyConfig configures the vendor-backed proxy pool.
type ProxyConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	VendorURL        string `mapstructure:"vendor_url"`
	APIKey           string `mapstructure:"api_key"`
	Country          string `mapstructure:"country"`
	PageSize         int    `mapstructure:"page_size"`
	EchoURL          string `mapstructure:"echo_url"`
	TTLSeconds       int    `mapstructure:"ttl_seconds"`
	MaxFailures      int    `mapstructure:"max_failures"`
	CheckLimit       int    `mapstructure:"check_limit"`
	CheckConcurrency int    `mapstructure:"check_concurrency"`
}

// RetryConfig tunes the exponential backoff applied between attempts.
type RetryConfig struct {
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("admin.port", 8080)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 4)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.base_dir", "/var/lib/scrape-engine/results")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.page_size", 100)
	v.SetDefault("proxy.echo_url", "https://httpbin.org/status/200")
	v.SetDefault("proxy.ttl_seconds", 300)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.check_limit", 50)
	v.SetDefault("proxy.check_concurrency", 10)
	v.SetDefault("retry.backoff_initial_ms", 1000)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Admin.Port <= 0 {
		return fmt.Errorf("admin.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0")
	}
	switch c.Queue.Backend {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id, queue.topic and queue.subscription are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("queue.backend must be one of memory, pubsub")
	}
	switch c.Artifacts.Backend {
	case "memory":
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be one of memory, local, gcs")
	}
	if c.Proxy.Enabled {
		if c.Proxy.VendorURL == "" || c.Proxy.APIKey == "" {
			return fmt.Errorf("proxy.vendor_url and proxy.api_key are required when the proxy pool is enabled")
		}
	}
	if c.Retry.BackoffInitialMs <= 0 || c.Retry.BackoffMaxMs < c.Retry.BackoffInitialMs {
		return fmt.Errorf("retry backoff bounds are inconsistent")
	}
	return nil
}

// BackoffInitial returns the initial retry backoff as a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// ProxyTTL returns the proxy pool freshness window.
func (c Config) ProxyTTL() time.Duration {
	return time.Duration(c.Proxy.TTLSeconds) * time.Second
}

// DBConnLifetime returns the pooled connection lifetime.
func (c Config) DBConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMin) * time.Minute
}
