package forkd

import (
	"fmt"
	"log/slog"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/spf13/cobra"
)

var CMD = &cobra.Command{
	Use:   "forkd",
	Short: "Run the fork service: one anvil fork per controlling account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values.Forkd
		slog.Info("starting fork service. Validating config", slog.Any("forkd", cfg))

		if err := cfg.Validate(); err != nil {
			return err
		}

		runtime, err := NewDockerRuntime()
		if err != nil {
			return err
		}
		defer runtime.Close()

		svc, err := NewService(cfg, runtime)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := svc.Reconcile(ctx); err != nil {
			return fmt.Errorf("failed to reconcile fork state: %w", err)
		}

		slog.Info("config validation successful. Serving forks...", "forks", len(svc.Forks()))
		if err := svc.Serve(ctx, cfg.ListenAddr); err != nil {
			return fmt.Errorf("error occurred serving forks: %w", err)
		}

		slog.Info("fork service stopped")
		return nil
	},
}
