package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/clipvault/internal/dispatcher"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery pass over the tracked owners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			disc, err := appInstance.Discoverer()
			if err != nil {
				return err
			}
			report, err := disc.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			if report.LeaseHeld {
				fmt.Fprintln(cmd.OutOrStdout(), "discovery already running elsewhere; skipped")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "owners=%d candidates=%d enqueued=%d skipped=%d failed=%d\n",
				report.Owners, report.Candidates, report.Enqueued, report.Skipped, report.Failed)
			return nil
		},
	}
}

// newStageCmd runs a single queue-driven stage until interrupted.
func newStageCmd(stage string) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   stage,
		Short: fmt.Sprintf("Run the %s stage workers until interrupted", stage),
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			pool := dispatcher.Pool{Worker: appInstance.MetadataWorker(), Concurrency: cfg.Worker.MetadataConcurrency}
			if stage == "download" {
				w, err := appInstance.DownloadWorker(cmd.Context())
				if err != nil {
					return err
				}
				pool = dispatcher.Pool{Worker: w, Concurrency: cfg.Worker.DownloadConcurrency}
			}
			if workers > 0 {
				pool.Concurrency = workers
			}
			err = dispatcher.New([]dispatcher.Pool{pool}, appInstance.Logger().Named("dispatcher")).Run(cmd.Context())
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "override the configured worker count")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass between the index and the downloads root",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Reconciler().Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d missing=%d requeued=%d restored=%d pruned=%d dangling=%d\n",
				report.Checked, report.Missing, report.Requeued, report.Restored, report.Pruned, report.Dangling)
			return nil
		},
	}
}
