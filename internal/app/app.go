// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gcstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/api"
	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/clock/system"
	"github.com/JakeFAU/clipvault/internal/config"
	"github.com/JakeFAU/clipvault/internal/discovery"
	"github.com/JakeFAU/clipvault/internal/download"
	"github.com/JakeFAU/clipvault/internal/fetcher/asset"
	collyfetcher "github.com/JakeFAU/clipvault/internal/fetcher/colly"
	"github.com/JakeFAU/clipvault/internal/fetcher/headless"
	"github.com/JakeFAU/clipvault/internal/hash/sha256"
	"github.com/JakeFAU/clipvault/internal/id/uuid"
	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metadata"
	"github.com/JakeFAU/clipvault/internal/metrics"
	"github.com/JakeFAU/clipvault/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/clipvault/internal/publisher/pubsub"
	"github.com/JakeFAU/clipvault/internal/reconcile"
	"github.com/JakeFAU/clipvault/internal/storage/gcs"
	"github.com/JakeFAU/clipvault/internal/storage/local"
	"github.com/JakeFAU/clipvault/internal/storage/postgres"
	"github.com/JakeFAU/clipvault/internal/store"
	"github.com/JakeFAU/clipvault/internal/thumbnail"
	"github.com/JakeFAU/clipvault/internal/timeparse"
	"github.com/JakeFAU/clipvault/internal/worker"
)

// App holds the shared, long-lived services. Stage collaborators are built
// on demand so a command only opens the connections it needs.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *store.Store
	catalog *catalog.Catalog
	assets  *local.AssetStore
	parser  *timeparse.Parser
	clock   *system.Clock
	ids     *uuid.Generator

	mu      sync.Mutex
	closers []func()
}

// New connects to Redis and prepares the downloads root.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a, err := NewWithStore(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.onClose(func() {
		if err := st.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	})
	return a, nil
}

// NewWithStore builds an App around an existing store. The caller keeps
// ownership of st.
func NewWithStore(cfg config.Config, st *store.Store, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	assets, err := local.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init asset store: %w", err)
	}
	metrics.Init()
	clock := system.New(loc)
	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		catalog: catalog.New(st, assets, logger.Named("catalog")),
		assets:  assets,
		parser:  timeparse.New(clock, loc),
		clock:   clock,
		ids:     uuid.New(),
	}
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the coordination store.
func (a *App) Store() *store.Store {
	return a.store
}

// Catalog returns the read/admin surface.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// Discoverer builds the discovery stage. Without a listing URL the
// enumerator is a no-op that fails every owner.
func (a *App) Discoverer() (*discovery.Discoverer, error) {
	var enumerator media.Enumerator = headless.NewNoop()
	if a.cfg.Fetcher.Headless.ListingURL != "" {
		e, err := headless.NewChromedp(a.cfg.Fetcher.Headless)
		if err != nil {
			return nil, fmt.Errorf("init enumerator: %w", err)
		}
		a.onClose(e.Close)
		enumerator = e
	} else {
		a.logger.Warn("fetcher.headless.listing_url not set; discovery will enumerate nothing")
	}
	return discovery.New(
		a.store,
		enumerator,
		ratelimit.New(a.cfg.Discovery.RateLimit),
		a.ids,
		a.clock,
		a.cfg.Discovery.Config,
		a.logger.Named("discovery"),
	), nil
}

// MetadataWorker builds the metadata stage worker.
func (a *App) MetadataWorker() *worker.Worker {
	fetcher := collyfetcher.New(a.cfg.Fetcher.Detail, a.logger.Named("detail"))
	stage := metadata.New(a.store, fetcher, a.parser, a.clock, a.logger.Named("metadata"))
	return worker.New(media.StageMetadata, a.store, stage, a.cfg.Worker.Worker(), a.logger.Named("metadata"))
}

// DownloadWorker builds the download stage worker and its optional side
// effects.
func (a *App) DownloadWorker(ctx context.Context) (*worker.Worker, error) {
	fetcher, err := a.assetFetcher()
	if err != nil {
		return nil, err
	}
	opts := download.Options{IDs: a.ids}
	if err := a.wireSideEffects(ctx, &opts); err != nil {
		return nil, err
	}
	thumbs := thumbnail.NewGenerator(thumbnail.NewFFmpegFrames(a.cfg.Thumbnail.FFmpegPath), a.cfg.Thumbnail)
	stage := download.New(
		a.store,
		a.assets,
		fetcher,
		thumbs,
		sha256.New(),
		a.parser,
		a.clock,
		opts,
		download.Config{Topic: a.cfg.PubSub.Topic, MirrorPrefix: a.cfg.Mirror.Prefix},
		a.logger.Named("download"),
	)
	return worker.New(media.StageDownload, a.store, stage, a.cfg.Worker.Worker(), a.logger.Named("download")), nil
}

func (a *App) assetFetcher() (media.AssetFetcher, error) {
	limiter := ratelimit.New(a.cfg.Fetcher.Asset.RateLimit)
	switch a.cfg.Fetcher.Asset.Mode {
	case config.AssetModeCommand:
		f, err := asset.NewCommand(a.cfg.Fetcher.Asset.Command, limiter)
		if err != nil {
			return nil, fmt.Errorf("init asset command: %w", err)
		}
		return f, nil
	default:
		return asset.NewHTTP(&http.Client{}, limiter, a.cfg.Fetcher.Asset.HTTP), nil
	}
}

func (a *App) wireSideEffects(ctx context.Context, opts *download.Options) error {
	if a.cfg.Ledger.Enabled {
		ledger, err := postgres.NewLedger(ctx, a.cfg.Ledger.LedgerConfig)
		if err != nil {
			return fmt.Errorf("init ledger: %w", err)
		}
		a.onClose(ledger.Close)
		opts.Ledger = ledger
	}
	if a.cfg.Mirror.Enabled {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func() { _ = client.Close() })
		mirror, err := gcs.New(client, a.cfg.Mirror.Config)
		if err != nil {
			return fmt.Errorf("init mirror: %w", err)
		}
		opts.Mirror = mirror
	}
	if a.cfg.PubSub.Enabled {
		client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		publisher := pubsubpublisher.New(client)
		a.onClose(func() {
			publisher.Close()
			_ = client.Close()
		})
		opts.Publisher = publisher
	}
	return nil
}

// Reconciler builds the reconciliation job.
func (a *App) Reconciler() *reconcile.Reconciler {
	return reconcile.New(a.store, a.assets, a.parser, a.cfg.Reconcile, a.logger.Named("reconcile"))
}

// HTTPServer builds the admin API server bound to the configured port.
func (a *App) HTTPServer() *http.Server {
	server := api.NewServer(a.catalog, a.store, a.cfg, a.logger.Named("api"))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close releases every service in reverse order of construction and flushes
// the logger.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	_ = a.logger.Sync()
}
