package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the trigger workers",
		Long: `Serves the HTTP API and runs the worker pool that executes initial
processing, product collection and reprocessing triggers until SIGINT or
SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [source-id]",
		Short: "Fetch origin pages and extract shop metadata",
		Long: `Runs initial processing for one source, or for every source still in the
created state when no id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, "process", func(ctx context.Context, tasks Tasks) error {
				if len(args) == 1 {
					return tasks.InitialProcessing(ctx, args[0])
				}
				return tasks.ProcessPending(ctx)
			})
		},
	}
}

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect <source-id>",
		Short: "Harvest every product of a configured source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, "collect", func(ctx context.Context, tasks Tasks) error {
				return tasks.CollectProducts(ctx, args[0])
			})
		},
	}
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Re-extract every product flagged for reprocessing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTask(cmd, "reprocess", func(ctx context.Context, tasks Tasks) error {
				return tasks.ReprocessProducts(ctx)
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Migrate(cmd.Context())
		},
	}
}

func runTask(cmd *cobra.Command, name string, run func(context.Context, Tasks) error) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Migrate(cmd.Context()); err != nil {
		return err
	}
	logger := appInstance.Logger().With(zap.String("command", name))
	logger.Info("task started")
	if err := run(cmd.Context(), appInstance.Tasks()); err != nil {
		logger.Error("task failed", zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Info("task finished")
	return nil
}
