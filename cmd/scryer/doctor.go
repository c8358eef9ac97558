package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scryerhq/scryer/internal/config"
	"github.com/scryerhq/scryer/internal/vcs"
)

// checkResult is one doctor diagnostic line.
type checkResult struct {
	name    string
	ok      bool
	message string
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment readiness: git, gh, the generator binary, and repo access",
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

			repoRoot := detectRepoRoot()
			results, ok := runDoctor(context.Background(), cfg, repoRoot)
			for _, r := range results {
				status := "FAIL"
				if r.ok {
					status = "PASS"
				}
				fmt.Printf("[%s] %s: %s\n", status, r.name, r.message)
			}
			if !ok {
				return errExit1
			}
			return nil
		},
	}
}

// errExit1 is a sentinel the doctor command returns to signal a failed
// check without cobra printing an extra error line (the report already
// printed everything relevant).
var errExit1 = fmt.Errorf("one or more doctor checks failed")

func runDoctor(ctx context.Context, cfg *config.Config, repoRoot string) ([]checkResult, bool) {
	var results []checkResult

	gitPath, err := exec.LookPath("git")
	if err == nil {
		results = append(results, checkResult{"git binary", true, gitPath})
	} else {
		results = append(results, checkResult{"git binary", false, "git not found in PATH"})
	}

	codexPath, err := exec.LookPath(cfg.CodexCmd)
	if err == nil {
		results = append(results, checkResult{"codex binary", true, codexPath})
	} else {
		results = append(results, checkResult{"codex binary", false, fmt.Sprintf("%q not found in PATH; set codex_cmd or install the generator CLI", cfg.CodexCmd)})
	}

	ghPath, err := exec.LookPath("gh")
	if err == nil {
		results = append(results, checkResult{"gh binary", true, ghPath})
	} else {
		results = append(results, checkResult{"gh binary", false, "gh not found in PATH"})
	}

	if gitPath != "" {
		if top, err := runCapture(ctx, repoRoot, "git", "rev-parse", "--show-toplevel"); err == nil {
			results = append(results, checkResult{"git repository", true, strings.TrimSpace(top)})
		} else {
			results = append(results, checkResult{"git repository", false, "not a git repository"})
		}

		if remote, err := vcs.RemoteURL(ctx, repoRoot, "origin"); err == nil && remote != "" {
			results = append(results, checkResult{"git origin remote", true, remote})
		} else {
			results = append(results, checkResult{"git origin remote", false, "missing origin remote"})
		}

		baseLocal := vcs.RefExists(ctx, repoRoot, "refs/heads/"+cfg.BaseBranch)
		baseRemote := vcs.RefExists(ctx, repoRoot, "refs/remotes/origin/"+cfg.BaseBranch)
		switch {
		case baseLocal:
			results = append(results, checkResult{"base branch", true, fmt.Sprintf("%s found (local)", cfg.BaseBranch)})
		case baseRemote:
			results = append(results, checkResult{"base branch", true, fmt.Sprintf("%s found (origin)", cfg.BaseBranch)})
		default:
			results = append(results, checkResult{"base branch", false, fmt.Sprintf("%s not found locally or at origin/%s", cfg.BaseBranch, cfg.BaseBranch)})
		}
	}

	if ghPath != "" {
		if _, err := runCapture(ctx, repoRoot, "gh", "auth", "status", "--hostname", cfg.Host); err == nil {
			results = append(results, checkResult{"gh auth", true, "authenticated"})
		} else {
			results = append(results, checkResult{"gh auth", false, err.Error()})
		}

		if out, err := runCapture(ctx, repoRoot, "gh", "repo", "view", "--json", "nameWithOwner,defaultBranchRef"); err == nil {
			repoName := "inferred repository"
			var payload map[string]interface{}
			if json.Unmarshal([]byte(out), &payload) == nil {
				if name, ok := payload["nameWithOwner"].(string); ok && strings.TrimSpace(name) != "" {
					repoName = name
				}
			}
			results = append(results, checkResult{"repo access", true, repoName})
		} else {
			results = append(results, checkResult{"repo access", false, "cannot access inferred repository"})
		}
	}

	if err := os.MkdirAll(cfg.Workdir, 0o755); err == nil {
		probe := cfg.Workdir + "/.doctor_write_test"
		if writeErr := os.WriteFile(probe, []byte("ok"), 0o644); writeErr == nil {
			_ = os.Remove(probe)
			results = append(results, checkResult{"workdir writable", true, cfg.Workdir})
		} else {
			results = append(results, checkResult{"workdir writable", false, writeErr.Error()})
		}
	} else {
		results = append(results, checkResult{"workdir writable", false, err.Error()})
	}

	success := true
	for _, r := range results {
		if !r.ok {
			success = false
		}
	}
	return results, success
}

func runCapture(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s", msg)
		}
		return "", err
	}
	return stdout.String(), nil
}
