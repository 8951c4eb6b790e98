package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/clipvault/internal/dispatcher"
	"github.com/JakeFAU/clipvault/internal/scheduler"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every stage, the scheduled jobs and the admin API",
		Long: `Starts the metadata and download workers, schedules discovery and
reconciliation on their configured cron expressions, and serves the admin API.
Items left in flight by a previous process are recovered before the workers
start.`,
		RunE: runAll,
	}
}

func runAll(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	disc, err := appInstance.Discoverer()
	if err != nil {
		return err
	}
	download, err := appInstance.DownloadWorker(ctx)
	if err != nil {
		return err
	}
	dispatch := dispatcher.New([]dispatcher.Pool{
		{Worker: appInstance.MetadataWorker(), Concurrency: cfg.Worker.MetadataConcurrency},
		{Worker: download, Concurrency: cfg.Worker.DownloadConcurrency},
	}, logger.Named("dispatcher"))

	reconciler := appInstance.Reconciler()
	sched := scheduler.New(logger.Named("scheduler"))
	if err := sched.Add(scheduler.Job{
		Name:     "discovery",
		Schedule: cfg.Discovery.Schedule,
		Timeout:  cfg.Discovery.LeaseTTL,
		Run: func(ctx context.Context) error {
			_, err := disc.Run(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Job{
		Name:     "reconcile",
		Schedule: cfg.Reconcile.Schedule,
		Run: func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatch.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		return serveHTTP(gctx, appInstance.HTTPServer(), cfg.Server.ShutdownTimeout, logger)
	})

	logger.Info("clipvault running", zap.Strings("jobs", sched.Jobs()), zap.Int("port", cfg.Server.Port))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// serveHTTP serves srv until ctx finishes, then drains it within timeout.
func serveHTTP(ctx context.Context, srv *http.Server, timeout time.Duration, logger *zap.Logger) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
