// Package config loads and validates clipvault configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/clipvault/internal/discovery"
	"github.com/JakeFAU/clipvault/internal/fetcher/asset"
	collyfetcher "github.com/JakeFAU/clipvault/internal/fetcher/colly"
	"github.com/JakeFAU/clipvault/internal/fetcher/headless"
	"github.com/JakeFAU/clipvault/internal/policy/ratelimit"
	"github.com/JakeFAU/clipvault/internal/reconcile"
	"github.com/JakeFAU/clipvault/internal/storage/gcs"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/storage/postgres"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/thumbnail"
	"github.com/JakeFAU/clipvault/internal/worker"
)

// EnvPrefix namespaces environment overrides, e.g. CLIPVAULT_REDIS_ADDR.
const EnvPrefix = "CLIPVAULT"

// Asset fetch modes.
const (
	AssetModeHTTP    = "http"
	AssetModeCommand = "command"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Redis     store.Config     `mapstructure:"redis"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Discovery DiscoveryConfig  `mapstructure:"discovery"`
	Reconcile reconcile.Config `mapstructure:"reconcile"`
	Storage   local.Config     `mapstructure:"storage"`
	Thumbnail thumbnail.Config `mapstructure:"thumbnail"`
	Fetcher   FetcherConfig    `mapstructure:"fetcher"`
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Ledger    LedgerConfig     `mapstructure:"ledger"`
	Mirror    MirrorConfig     `mapstructure:"mirror"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	// Timezone is the IANA zone absolute publish dates are interpreted in.
	Timezone string `mapstructure:"timezone"`
}

// WorkerConfig controls the queue-driven stages.
type WorkerConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	MetadataConcurrency int           `mapstructure:"metadata_concurrency"`
	DownloadConcurrency int           `mapstructure:"download_concurrency"`
}

// Worker returns the shared worker settings.
func (w WorkerConfig) Worker() worker.Config {
	return worker.Config{PollInterval: w.PollInterval, MaxRetries: w.MaxRetries}
}

// DiscoveryConfig adds politeness limits to the discovery settings.
type DiscoveryConfig struct {
	discovery.Config `mapstructure:",squash"`
	RateLimit        ratelimit.Config `mapstructure:"rate_limit"`
}

// FetcherConfig configures the collaborator adapters.
type FetcherConfig struct {
	Headless headless.Config     `mapstructure:"headless"`
	Detail   collyfetcher.Config `mapstructure:"detail"`
	Asset    AssetConfig         `mapstructure:"asset"`
}

// AssetConfig selects and configures the asset fetcher.
type AssetConfig struct {
	Mode      string              `mapstructure:"mode"`
	HTTP      asset.HTTPConfig    `mapstructure:"http"`
	Command   asset.CommandConfig `mapstructure:"command"`
	RateLimit ratelimit.Config    `mapstructure:"rate_limit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DefaultPageSize int64         `mapstructure:"default_page_size"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LedgerConfig enables the Postgres download ledger.
type LedgerConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	postgres.LedgerConfig `mapstructure:",squash"`
}

// MirrorConfig enables copying finalized files to GCS.
type MirrorConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	gcs.Config `mapstructure:",squash"`
}

// PubSubConfig holds metadata for finalize notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. With an empty path, config.yaml
// is looked up in the working directory, /etc/clipvault and $HOME/.clipvault;
// a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/clipvault/")
		v.AddConfigPath("$HOME/.clipvault")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.max_retries", worker.DefaultMaxRetries)
	v.SetDefault("worker.metadata_concurrency", 2)
	v.SetDefault("worker.download_concurrency", 2)

	v.SetDefault("discovery.owners", []string{})
	v.SetDefault("discovery.lease_ttl", "30m")
	v.SetDefault("discovery.schedule", "@every 1h")
	v.SetDefault("discovery.rate_limit.rps", 0.2)
	v.SetDefault("discovery.rate_limit.burst", 1)

	v.SetDefault("reconcile.schedule", "@every 6h")
	v.SetDefault("reconcile.max_retries", worker.DefaultMaxRetries)

	v.SetDefault("storage.base_dir", "downloads")

	v.SetDefault("thumbnail.width", thumbnail.DefaultWidth)
	v.SetDefault("thumbnail.height", thumbnail.DefaultHeight)
	v.SetDefault("thumbnail.quality", thumbnail.DefaultQuality)
	v.SetDefault("thumbnail.ffmpeg_path", "ffmpeg")

	v.SetDefault("fetcher.headless.listing_url", "")
	v.SetDefault("fetcher.headless.link_selector", "a[href]")
	v.SetDefault("fetcher.headless.item_pattern", `/video/(\d+)`)
	v.SetDefault("fetcher.headless.scroll_rounds", 3)
	v.SetDefault("fetcher.headless.scroll_delay", "1s")
	v.SetDefault("fetcher.headless.max_parallel", 1)
	v.SetDefault("fetcher.headless.user_agent", "")
	v.SetDefault("fetcher.headless.navigation_timeout", "45s")

	sel := collyfetcher.DefaultSelectors()
	v.SetDefault("fetcher.detail.user_agent", "clipvault/0.1")
	v.SetDefault("fetcher.detail.respect_robots", true)
	v.SetDefault("fetcher.detail.timeout", "15s")
	v.SetDefault("fetcher.detail.selectors.description", sel.Description)
	v.SetDefault("fetcher.detail.selectors.tags", sel.Tags)
	v.SetDefault("fetcher.detail.selectors.author", sel.Author)
	v.SetDefault("fetcher.detail.selectors.audio_track", sel.AudioTrack)
	v.SetDefault("fetcher.detail.selectors.publish_time", sel.PublishTime)
	v.SetDefault("fetcher.detail.selectors.caption_title", sel.CaptionTitle)
	v.SetDefault("fetcher.detail.selectors.caption_summary", sel.CaptionSummary)

	v.SetDefault("fetcher.asset.mode", AssetModeHTTP)
	v.SetDefault("fetcher.asset.http.user_agent", "clipvault/0.1")
	v.SetDefault("fetcher.asset.http.timeout", "5m")
	v.SetDefault("fetcher.asset.command.args", []string{})
	v.SetDefault("fetcher.asset.rate_limit.rps", 1)
	v.SetDefault("fetcher.asset.rate_limit.burst", 1)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.default_page_size", 50)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "downloads")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.min_conns", 0)
	v.SetDefault("ledger.max_conn_lifetime", "30m")
	v.SetDefault("ledger.auto_migrate", true)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "clipvault")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("timezone", "Local")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if c.Worker.MaxRetries <= 0 {
		return fmt.Errorf("worker.max_retries must be > 0")
	}
	if c.Worker.MetadataConcurrency <= 0 || c.Worker.DownloadConcurrency <= 0 {
		return fmt.Errorf("worker concurrency must be > 0")
	}
	if c.Discovery.LeaseTTL <= 0 {
		return fmt.Errorf("discovery.lease_ttl must be > 0")
	}
	if c.Thumbnail.Width <= 0 || c.Thumbnail.Height <= 0 {
		return fmt.Errorf("thumbnail.width and thumbnail.height must be > 0")
	}
	if c.Thumbnail.Quality < 1 || c.Thumbnail.Quality > 100 {
		return fmt.Errorf("thumbnail.quality must be between 1 and 100")
	}
	switch c.Fetcher.Asset.Mode {
	case AssetModeHTTP:
	case AssetModeCommand:
		if len(c.Fetcher.Asset.Command.Args) == 0 {
			return fmt.Errorf("fetcher.asset.command.args must be set in command mode")
		}
	default:
		return fmt.Errorf("fetcher.asset.mode must be %q or %q", AssetModeHTTP, AssetModeCommand)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Ledger.Enabled && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn must be set when the ledger is enabled")
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return fmt.Errorf("mirror.bucket must be set when the mirror is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone. An empty value means local time.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}
