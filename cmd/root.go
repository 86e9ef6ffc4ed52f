// Package cmd defines and implements the CLI commands for the nekoparser executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/config"
	"github.com/nekoteam-llc/nekoparser/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const closeTimeout = 15 * time.Second

// Tasks are the trigger entry points a one-shot command runs in-process.
type Tasks interface {
	InitialProcessing(ctx context.Context, id string) error
	ProcessPending(ctx context.Context) error
	CollectProducts(ctx context.Context, id string) error
	ReprocessProducts(ctx context.Context) error
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Tasks() Tasks
}

type serverApp struct {
	*server.App
}

func (a serverApp) Tasks() Tasks { return a.Controller() }

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	app, err := server.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{app}, nil
}

type rootOptions struct {
	configFile string
	store      string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "nekoparser",
		Short: "Product catalog extraction engine.",
		Long: `nekoparser registers online shops, learns where their listings and product
fields live, and harvests every product page into a deduplicated catalog.`,
		SilenceUsage: true,

		// Runs before the subcommand's RunE: load config, build the app and
		// store it on the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var loadOpts []config.Option
			if opts.store != "" {
				loadOpts = append(loadOpts, config.WithOverride("store.backend", opts.store))
			}
			cfg, err := config.Load(opts.configFile, loadOpts...)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := appInstance.Close(ctx); err != nil {
				appInstance.Logger().Warn("application close failed", zap.Error(err))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.store, "store", "", "override store.backend (postgres or memory)")

	cmd.AddCommand(
		newServeCmd(),
		newProcessCmd(),
		newCollectCmd(),
		newReprocessCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// resolveApp fetches the App stored by PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
