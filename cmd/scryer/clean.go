package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scryerhq/scryer/internal/config"
)

func cleanCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete all tracked issue and meta state for the current repository namespace",
		Long: `Clean removes every row the state database holds for the current
repository's namespace: tracked issues, leases, and daily counters. It
does not touch git history, worktrees, or anything on the code host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w: pass --yes to confirm clearing namespace state", errUsage)
			}

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

			issues, meta, err := svc.st.ClearNamespaceState(context.Background())
			if err != nil {
				return fmt.Errorf("clear namespace state: %w", err)
			}
			fmt.Printf("cleared namespace %q: %d issue row(s), %d meta row(s)\n", svc.namespace, issues, meta)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm clearing state for this namespace")
	return cmd
}
