// Package cmd defines and implements the clipvault CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/app"
	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/config"
	"github.com/JakeFAU/clipvault/internal/discovery"
	"github.com/JakeFAU/clipvault/internal/logging"
	"github.com/JakeFAU/clipvault/internal/reconcile"
	"github.com/JakeFAU/clipvault/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the services commands use, so tests can inject a container
// backed by an in-process Redis.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Catalog() *catalog.Catalog
	Discoverer() (*discovery.Discoverer, error)
	MetadataWorker() *worker.Worker
	DownloadWorker(ctx context.Context) (*worker.Worker, error)
	Reconciler() *reconcile.Reconciler
	HTTPServer() *http.Server
}

// appFactory builds the App once configuration and logging are ready.
type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func defaultFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "clipvault",
		Short: "Discover, annotate and archive short-form media for tracked owners.",
		Long: `clipvault keeps a local archive of the media published by a set of tracked
owners. Discovery enumerates each owner's listing, the metadata stage extracts
descriptive fields, and the download stage fetches the asset, renders a
thumbnail and indexes the record. A reconciliation job keeps the index and the
files on disk in agreement.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/clipvault or $HOME/.clipvault)")

	cmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newDiscoverCmd(),
		newStageCmd("metadata"),
		newStageCmd("download"),
		newReconcileCmd(),
		newRequeueCmd(),
		newDeleteCmd(),
		newTrackCmd(),
	)
	return cmd
}

// Execute runs the CLI until it finishes or receives SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultFactory).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "clipvault: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
