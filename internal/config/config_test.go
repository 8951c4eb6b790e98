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
redis:
  addr: redis:6379
  db: 2
worker:
  poll_interval: 2s
  max_retries: 5
  metadata_concurrency: 4
  download_concurrency: 1
discovery:
  owners: ["alice", "bob"]
  lease_ttl: 10m
  schedule: "@every 30m"
  rate_limit:
    rps: 0.5
    burst: 2
reconcile:
  schedule: "@daily"
storage:
  base_dir: /data/clips
thumbnail:
  width: 160
  height: 284
  quality: 70
fetcher:
  headless:
    listing_url: https://example.com/@{owner}
  detail:
    selectors:
      tags: a.hashtag
  asset:
    mode: command
    command:
      args: ["yt-dlp", "-o", "{output}", "{url}"]
server:
  port: 9090
  default_page_size: 25
auth:
  enabled: true
  api_key: secret
ledger:
  enabled: true
  dsn: postgres://localhost/clipvault
mirror:
  enabled: true
  bucket: clips
pubsub:
  enabled: true
  project_id: proj
  topic: finalized
logging:
  development: true
  level: debug
timezone: UTC
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Redis.PoolSize != 20 {
		t.Fatalf("expected default pool size, got %d", cfg.Redis.PoolSize)
	}
	if got := cfg.Worker.Worker(); got.PollInterval != 2*time.Second || got.MaxRetries != 5 {
		t.Fatalf("unexpected worker config: %+v", got)
	}
	if cfg.Worker.MetadataConcurrency != 4 || cfg.Worker.DownloadConcurrency != 1 {
		t.Fatalf("unexpected concurrency: %+v", cfg.Worker)
	}
	if strings.Join(cfg.Discovery.Owners, ",") != "alice,bob" {
		t.Fatalf("unexpected owners: %v", cfg.Discovery.Owners)
	}
	if cfg.Discovery.LeaseTTL != 10*time.Minute || cfg.Discovery.Schedule != "@every 30m" {
		t.Fatalf("unexpected discovery config: %+v", cfg.Discovery.Config)
	}
	if cfg.Discovery.RateLimit.RPS != 0.5 || cfg.Discovery.RateLimit.Burst != 2 {
		t.Fatalf("unexpected rate limit: %+v", cfg.Discovery.RateLimit)
	}
	if cfg.Reconcile.Schedule != "@daily" || cfg.Reconcile.MaxRetries != 3 {
		t.Fatalf("unexpected reconcile config: %+v", cfg.Reconcile)
	}
	if cfg.Storage.BaseDir != "/data/clips" {
		t.Fatalf("unexpected base dir: %s", cfg.Storage.BaseDir)
	}
	if cfg.Thumbnail.Width != 160 || cfg.Thumbnail.Height != 284 || cfg.Thumbnail.Quality != 70 {
		t.Fatalf("unexpected thumbnail config: %+v", cfg.Thumbnail)
	}
	if cfg.Fetcher.Headless.ListingURL != "https://example.com/@{owner}" {
		t.Fatalf("unexpected listing url: %s", cfg.Fetcher.Headless.ListingURL)
	}
	if cfg.Fetcher.Detail.Selectors.Tags != "a.hashtag" {
		t.Fatalf("expected tag selector override, got %q", cfg.Fetcher.Detail.Selectors.Tags)
	}
	if cfg.Fetcher.Detail.Selectors.Description == "" {
		t.Fatal("expected default description selector to survive a partial override")
	}
	if cfg.Fetcher.Asset.Mode != AssetModeCommand || len(cfg.Fetcher.Asset.Command.Args) != 4 {
		t.Fatalf("unexpected asset config: %+v", cfg.Fetcher.Asset)
	}
	if cfg.Server.Port != 9090 || cfg.Server.DefaultPageSize != 25 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Server.RequestTimeout != time.Minute {
		t.Fatalf("expected default request timeout, got %s", cfg.Server.RequestTimeout)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if !cfg.Ledger.Enabled || cfg.Ledger.DSN != "postgres://localhost/clipvault" || cfg.Ledger.Table != "downloads" {
		t.Fatalf("unexpected ledger config: %+v", cfg.Ledger)
	}
	if !cfg.Mirror.Enabled || cfg.Mirror.Bucket != "clips" || cfg.Mirror.Prefix != "clipvault" {
		t.Fatalf("unexpected mirror config: %+v", cfg.Mirror)
	}
	if !cfg.PubSub.Enabled || cfg.PubSub.ProjectID != "proj" || cfg.PubSub.Topic != "finalized" {
		t.Fatalf("unexpected pubsub config: %+v", cfg.PubSub)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("Location() = %v, %v", loc, err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLIPVAULT_REDIS_ADDR", "cache:6380")
	t.Setenv("CLIPVAULT_SERVER_PORT", "7070")
	t.Setenv("CLIPVAULT_WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("CLIPVAULT_DISCOVERY_OWNERS", "carol,dave")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Redis.Addr != "cache:6380" {
		t.Fatalf("expected env redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Fatalf("expected env poll interval, got %s", cfg.Worker.PollInterval)
	}
	if strings.Join(cfg.Discovery.Owners, ",") != "carol,dave" {
		t.Fatalf("expected env owners, got %v", cfg.Discovery.Owners)
	}
	if cfg.Fetcher.Asset.Mode != AssetModeHTTP {
		t.Fatalf("expected default asset mode, got %s", cfg.Fetcher.Asset.Mode)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Worker: WorkerConfig{
				PollInterval:        time.Second,
				MaxRetries:          3,
				MetadataConcurrency: 1,
				DownloadConcurrency: 1,
			},
			Fetcher: FetcherConfig{Asset: AssetConfig{Mode: AssetModeHTTP}},
			Server:  ServerConfig{Port: 8080},
		}
	}
	base := valid()
	base.Redis.Addr = "localhost:6379"
	base.Storage.BaseDir = "downloads"
	base.Discovery.LeaseTTL = time.Minute
	base.Thumbnail.Width = 320
	base.Thumbnail.Height = 568
	base.Thumbnail.Quality = 85
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"redis", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"base dir", func(c *Config) { c.Storage.BaseDir = " " }, "storage.base_dir"},
		{"poll interval", func(c *Config) { c.Worker.PollInterval = 0 }, "worker.poll_interval"},
		{"max retries", func(c *Config) { c.Worker.MaxRetries = 0 }, "worker.max_retries"},
		{"concurrency", func(c *Config) { c.Worker.DownloadConcurrency = 0 }, "concurrency"},
		{"lease ttl", func(c *Config) { c.Discovery.LeaseTTL = 0 }, "discovery.lease_ttl"},
		{"thumbnail size", func(c *Config) { c.Thumbnail.Width = 0 }, "thumbnail.width"},
		{"thumbnail quality", func(c *Config) { c.Thumbnail.Quality = 101 }, "thumbnail.quality"},
		{"asset mode", func(c *Config) { c.Fetcher.Asset.Mode = "ftp" }, "fetcher.asset.mode"},
		{"command args", func(c *Config) { c.Fetcher.Asset.Mode = AssetModeCommand }, "fetcher.asset.command.args"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"ledger", func(c *Config) { c.Ledger.Enabled = true }, "ledger.dsn"},
		{"mirror", func(c *Config) { c.Mirror.Enabled = true }, "mirror.bucket"},
		{"pubsub", func(c *Config) { c.PubSub.Enabled = true; c.PubSub.ProjectID = "p" }, "pubsub.project_id"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
