package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
admin:
  port: 9090
worker:
  concurrency: 6
browser:
  headless: false
  max_parallel: 2
  user_agent: real-agent
queue:
  backend: pubsub
  project_id: demo-project
  topic: scrape-tasks
  subscription: scrape-tasks-worker
  depth: 128
db:
  dsn: postgres://scraper@localhost/scraper
  max_conns: 16
  max_conn_lifetime_minutes: 15
artifacts:
  backend: gcs
  gcs_bucket: scrape-results
proxy:
  enabled: true
  vendor_url: https://proxy.example.com
  api_key: secret
  country: US
  ttl_seconds: 600
retry:
  backoff_initial_ms: 100
  backoff_max_ms: 500
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Admin.Port != 9090 {
		t.Fatalf("Admin.Port = %d", cfg.Admin.Port)
	}
	if cfg.Worker.Concurrency != 6 {
		t.Fatalf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Browser.Headless {
		t.Fatal("Browser.Headless should be overridden to false")
	}
	if cfg.Queue.Backend != "pubsub" || cfg.Queue.Subscription != "scrape-tasks-worker" {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Artifacts.Backend != "gcs" || cfg.Artifacts.GCSBucket != "scrape-results" {
		t.Fatalf("unexpected artifacts config %+v", cfg.Artifacts)
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.VendorURL != "https://proxy.example.com" {
		t.Fatalf("unexpected proxy config %+v", cfg.Proxy)
	}
	if cfg.ProxyTTL() != 10*time.Minute {
		t.Fatalf("ProxyTTL() = %v", cfg.ProxyTTL())
	}
	if cfg.BackoffInitial() != 100*time.Millisecond || cfg.BackoffMax() != 500*time.Millisecond {
		t.Fatalf("backoff = %v/%v", cfg.BackoffInitial(), cfg.BackoffMax())
	}
	if cfg.DBConnLifetime() != 15*time.Minute {
		t.Fatalf("DBConnLifetime() = %v", cfg.DBConnLifetime())
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Admin.Port != 8080 {
		t.Fatalf("default admin port = %d", cfg.Admin.Port)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Fatalf("default concurrency = %d", cfg.Worker.Concurrency)
	}
	if !cfg.Browser.Headless {
		t.Fatal("browser should default to headless")
	}
	if cfg.Queue.Backend != "memory" || cfg.Queue.Depth != 64 {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Artifacts.Backend != "local" {
		t.Fatalf("default artifacts backend = %s", cfg.Artifacts.Backend)
	}
	if cfg.Proxy.Enabled {
		t.Fatal("proxy pool should default to disabled")
	}
	if cfg.Proxy.MaxFailures != 3 || cfg.Proxy.CheckLimit != 50 {
		t.Fatalf("unexpected proxy defaults %+v", cfg.Proxy)
	}
	if cfg.BackoffInitial() != time.Second || cfg.BackoffMax() != 30*time.Second {
		t.Fatalf("backoff defaults = %v/%v", cfg.BackoffInitial(), cfg.BackoffMax())
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Worker.Concurrency = 0 },
			wantSub: "worker.concurrency",
		},
		{
			name:    "unknown queue backend",
			mutate:  func(c *Config) { c.Queue.Backend = "kafka" },
			wantSub: "queue.backend",
		},
		{
			name:    "pubsub without subscription",
			mutate:  func(c *Config) { c.Queue.Backend = "pubsub"; c.Queue.ProjectID = "p"; c.Queue.Topic = "t" },
			wantSub: "queue.subscription",
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.Artifacts.Backend = "gcs"; c.Artifacts.GCSBucket = "" },
			wantSub: "gcs_bucket",
		},
		{
			name:    "proxy enabled without credentials",
			mutate:  func(c *Config) { c.Proxy.Enabled = true },
			wantSub: "proxy.vendor_url",
		},
		{
			name:    "inverted backoff bounds",
			mutate:  func(c *Config) { c.Retry.BackoffInitialMs = 500; c.Retry.BackoffMaxMs = 100 },
			wantSub: "backoff",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}
