package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scryerhq/scryer/internal/config"
)

func runOnceCmd() *cobra.Command {
	var issueID int64

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single poll/claim/execute cycle",
		Long: `Run exactly one daemon cycle: poll the code host, requeue expired
leases, then claim and process pending issues (or, with --issue, a
single targeted issue regardless of the daily cap).`,
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

			var target *int64
			if issueID > 0 {
				target = &issueID
			}

			result, err := svc.daemon.RunOnce(context.Background(), target)
			if err != nil {
				return fmt.Errorf("run cycle: %w", err)
			}
			if !result.Processed {
				fmt.Println("no issue processed this cycle")
				return nil
			}
			fmt.Printf("processed %d issue(s), status=%s: %v\n", len(result.Statuses), result.Status, result.Statuses)
			return nil
		},
	}

	cmd.Flags().Int64Var(&issueID, "issue", 0, "process this specific issue number, bypassing the daily cap")
	return cmd
}
