package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/execgate/internal/app"
	"github.com/sandeepkv93/execgate/internal/observability"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorizer HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, lp, err := observability.NewLogger(ctx, cfg, os.Stdout)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			slog.SetDefault(logger)
			runtime, err := observability.InitRuntime(ctx, cfg, logger, lp)
			if err != nil {
				return fmt.Errorf("init observability: %w", err)
			}
			a, err := app.Build(ctx, cfg, logger, runtime)
			if err != nil {
				return errors.Join(err, runtime.Shutdown(context.Background()))
			}
			logger.Info("execgate starting",
				"env", cfg.AppEnv,
				"store_driver", cfg.StoreDriver,
				"enforcement_mode", cfg.EnforcementMode,
				"stages", cfg.Stages(),
			)
			return a.Run(ctx)
		},
	}
}
