package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/scryerhq/scryer/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show issue status counts tracked in the state database",
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

			counts, err := svc.st.GetStatusCounts(context.Background())
			if err != nil {
				return fmt.Errorf("get status counts: %w", err)
			}
			if len(counts) == 0 {
				fmt.Println("No issues tracked yet.")
				return nil
			}

			total := 0
			byName := make(map[string]int, len(counts))
			names := make([]string, 0, len(counts))
			for status, count := range counts {
				total += count
				name := string(status)
				byName[name] = count
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("Total tracked issues: %d\n", total)
			for _, name := range names {
				fmt.Printf("%s: %d\n", name, byName[name])
			}
			return nil
		},
	}
}
