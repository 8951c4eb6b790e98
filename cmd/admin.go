package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/clipvault/internal/catalog"
	"github.com/JakeFAU/clipvault/internal/media"
)

func newRequeueCmd() *cobra.Command {
	var dead bool
	cmd := &cobra.Command{
		Use:   "requeue <stage> [item_id...]",
		Short: "Push items back onto a stage queue with their retry count reset",
		Long: `Requeues the given items onto the metadata or download queue. With --dead
the stage's dead-letter queue is drained instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stage := media.Stage(args[0])
			cat := appInstance.Catalog()
			var res catalog.RequeueResult
			switch {
			case dead:
				res, err = cat.RequeueDeadLetters(cmd.Context(), stage)
			case len(args) < 2:
				return errors.New("item ids are required unless --dead is set")
			default:
				res, err = cat.Requeue(cmd.Context(), stage, args[1:])
			}
			if err != nil {
				return fmt.Errorf("requeue: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "requeued: %s\n", strings.Join(res.Requeued, ","))
			if len(res.Skipped) > 0 {
				fmt.Fprintf(out, "skipped: %s\n", strings.Join(res.Skipped, ","))
			}
			if len(res.Unknown) > 0 {
				fmt.Fprintf(out, "unknown: %s\n", strings.Join(res.Unknown, ","))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dead, "dead", false, "requeue every dead-lettered item of the stage")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <owner_id> <item_id>",
		Short: "Flag a record deleted and drop it from every index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Catalog().Delete(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("delete %s/%s: %w", args[0], args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newTrackCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "track [owner_id...]",
		Short: "Add owners to (or with --remove, drop them from) the discovery list",
		Long:  "Without arguments the currently tracked owners are printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cat := appInstance.Catalog()
			for _, owner := range args {
				if remove {
					err = cat.UntrackOwner(cmd.Context(), owner)
				} else {
					err = cat.TrackOwner(cmd.Context(), owner)
				}
				if err != nil {
					return fmt.Errorf("track %s: %w", owner, err)
				}
			}
			owners, err := cat.TrackedOwners(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tracked: %s\n", strings.Join(owners, ","))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "stop tracking the given owners")
	return cmd
}
