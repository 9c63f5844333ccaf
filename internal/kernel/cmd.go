package kernel

import (
	"fmt"
	"log/slog"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/fork"
	"github.com/Brahma-fi/brahma-connect/internal/journal"
	"github.com/spf13/cobra"
)

var CMD = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel: bridge, notifications, forward proxy and context tracking",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.Values
		slog.Info("starting kernel. Validating config", slog.Any("kernel", cfg.Kernel))

		if err := cfg.ValidateKernel(); err != nil {
			return err
		}

		ctx := cmd.Context()

		live, err := eip1193.Dial(ctx, cfg.Chain.UpstreamRPCURL)
		if err != nil {
			return fmt.Errorf("failed to dial upstream rpc: %w", err)
		}
		defer live.Close()

		var store *journal.Store
		if cfg.Kernel.JournalPath != "" {
			if store, err = journal.Open(cfg.Kernel.JournalPath); err != nil {
				return err
			}
			defer store.Close()
		}

		k := New(Options{
			Config: cfg,
			Live:   live,
			Assigner: fork.NewConductor(fork.ConductorOptions{
				BaseURL:    cfg.Conductor.BaseURL,
				CreatePath: cfg.Conductor.CreateForkPath,
				RPCPath:    cfg.Conductor.RPCPath,
				Timeout:    cfg.Conductor.Timeout,
				JWTToken:   cfg.Conductor.JWTToken,
			}),
			Dial:    fork.DialRPC,
			Journal: store,
		})

		slog.Info("config validation successful. Serving kernel...")
		if err := k.Serve(ctx); err != nil {
			return fmt.Errorf("error occurred serving kernel: %w", err)
		}

		slog.Info("kernel stopped")
		return nil
	},
}
