package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scryerhq/scryer/internal/config"
	"github.com/scryerhq/scryer/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	verbose    bool
	logFile    string
	logJSON    bool
)

// errUsage signals a command-line misuse distinct from a runtime
// failure, mapped to exit code 2.
var errUsage = errors.New("usage error")

func main() {
	rootCmd := &cobra.Command{
		Use:   "scryer",
		Short: "Poll labelled issues and drive an automated code-generation pipeline against them",
		Long: `Scryer polls a code-hosting platform for issues carrying a trigger
label, works each one in an isolated git worktree through an external
code-generation tool, and opens a pull request for whatever it produces.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("%w: no subcommand given, see --help", errUsage)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config YAML file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file (overrides config log_file)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of console format")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(runOnceCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(cleanCmd())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	os.Exit(exitCodeFor(err))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("scryer %s (%s)\n", version, commit)
			return nil
		},
	}
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	msg := err.Error()
	if strings.Contains(msg, "unknown command") || strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "unknown shorthand flag") || strings.Contains(msg, "required flag") {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

// initLogging wires internal/logging against stdout, plus a log file
// when one is configured (CLI flag takes precedence over the config
// field). It returns a cleanup closure the caller must defer.
func initLogging(cfg *config.Config) (func(), error) {
	path := logFile
	if path == "" {
		path = cfg.LogFile
	}
	jsonOutput := logJSON || cfg.LogJSON

	if path == "" {
		logging.Init(logging.Config{Verbose: verbose, JSON: jsonOutput, Output: os.Stdout})
		return func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(logging.Config{Verbose: verbose, JSON: jsonOutput, Output: io.MultiWriter(os.Stdout, file)})
	return func() { file.Sync(); file.Close() }, nil
}
