package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scryerhq/scryer/internal/config"
	"github.com/scryerhq/scryer/internal/logging"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the continuous poll/claim/execute loop until interrupted",
		Long: `Run scryer as a long-lived daemon that repeatedly polls, claims,
and processes issues, backing off on upstream failures. SIGINT/SIGTERM
trigger an orderly shutdown at the next cycle boundary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cleanup, err := initLogging(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			svc, err := buildServicesFromConfig(cfg)
			if err != nil {
				return err
			}
			defer svc.st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				logging.Logger.Info().Msg("signal received, stop requested")
			}()

			svc.daemon.RunForever(ctx)
			return nil
		},
	}
}
