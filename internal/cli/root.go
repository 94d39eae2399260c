package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/execgate/internal/app"
	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
)

type storeOpener func(ctx context.Context, cfg *config.Config) (*app.Stores, error)

type options struct {
	envFile    string
	jsonOutput bool
	openStores storeOpener
	clock      clock.TimeSource
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&options{
		openStores: func(ctx context.Context, cfg *config.Config) (*app.Stores, error) {
			return app.OpenStores(ctx, cfg, clock.System)
		},
		clock: clock.System,
	})
}

func newRootCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "execgate",
		Short:         "Session-token admission gate for the code execution service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file seeded into the environment")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "machine-readable output")
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	return cmd
}

func loadConfig(opts *options) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	return config.Load()
}

// withStores opens the configured stores for a one-shot command.
func withStores(cmd *cobra.Command, opts *options, fn func(ctx context.Context, stores *app.Stores) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stores, err := opts.openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = stores.Close() }()
	return fn(ctx, stores)
}
