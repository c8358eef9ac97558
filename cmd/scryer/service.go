package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/scryerhq/scryer/internal/config"
	"github.com/scryerhq/scryer/internal/daemon"
	"github.com/scryerhq/scryer/internal/generator"
	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/logging"
	"github.com/scryerhq/scryer/internal/namespace"
	"github.com/scryerhq/scryer/internal/poller"
	"github.com/scryerhq/scryer/internal/prmanager"
	"github.com/scryerhq/scryer/internal/runner"
	"github.com/scryerhq/scryer/internal/store"
	"github.com/scryerhq/scryer/internal/vcs"
)

// services bundles every collaborator a CLI command needs, constructed
// once per invocation from the loaded config. Callers must Close st.
type services struct {
	cfg       *config.Config
	st        *store.Store
	host      *githost.Client
	repo      *vcs.Repo
	poller    *poller.Poller
	runner    *runner.Runner
	prManager *prmanager.Manager
	daemon    *daemon.Daemon
	namespace string
}

// detectRepoRoot resolves the git repository root for the current
// working directory, falling back to the working directory itself when
// not inside a repository.
func detectRepoRoot() string {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err == nil {
		if root := strings.TrimSpace(string(out)); root != "" {
			return root
		}
	}
	wd, _ := os.Getwd()
	return wd
}

// buildServicesFromConfig wires every collaborator a CLI command needs
// from an already-loaded config. Logging is expected to already be
// initialised by the caller (see initLogging in main.go) before this runs.
func buildServicesFromConfig(cfg *config.Config) (*services, error) {
	var err error
	repoRoot := detectRepoRoot()
	ns := cfg.RepoNamespace
	if ns == "" {
		ns, err = namespace.Derive(repoRoot)
		if err != nil {
			return nil, fmt.Errorf("derive namespace: %w", err)
		}
	}

	st, err := store.Open(cfg.DBPath, ns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	logger := logging.WithNamespace(logging.WithWorker(logging.WithComponent("scryer"), cfg.WorkerID), ns)

	repoSlug := cfg.Repo
	if repoSlug == "" {
		repoSlug = inferRepoSlug(repoRoot)
	}

	host := githost.NewClient(repoSlug, logger)
	repo := &vcs.Repo{Root: repoRoot}
	gen := generator.New(generator.Config{
		Cmd:          cfg.CodexCmd,
		Mode:         cfg.CodexMode,
		Args:         cfg.CodexArgs,
		Model:        cfg.CodexModel,
		AllowedTools: cfg.CodexAllowedTools,
		CostGuard:    cfg.CodexCostGuard,
	}, logger)

	run := runner.New(repo, gen, host, st, runner.Config{
		BranchPrefix:          cfg.BranchPrefix,
		BaseBranch:            cfg.BaseBranch,
		WorktreesDir:          cfg.WorktreesDir(ns),
		RunsDir:               cfg.RunsDir(ns),
		ConventionsFiles:      cfg.ConventionsFiles,
		TriggerLabel:          cfg.TriggerLabel,
		SkipLabels:            cfg.SkipLabels,
		CodexTimeoutSeconds:   cfg.CodexTimeoutSeconds,
		KeepWorktreeOnFailure: cfg.KeepWorktreeOnFailure,
	}, logger)

	poll := poller.New(host, st, cfg.TriggerLabel, logger)
	prMgr := prmanager.New(host, prmanager.Config{
		BaseBranch:            cfg.BaseBranch,
		DraftPR:               cfg.DraftPR,
		IssueCommentOnSuccess: cfg.IssueCommentOnSuccess,
	}, logger)

	d := daemon.New(daemon.Config{
		WorkerID:            cfg.WorkerID,
		PollIntervalSeconds: cfg.PollIntervalSeconds,
		LeaseSeconds:        cfg.LeaseSeconds,
		MaxAttempts:         cfg.MaxAttempts,
		MaxIssuesPerDay:     cfg.MaxIssuesPerDay,
		MaxConcurrent:       cfg.MaxConcurrent,
		TriggerLabel:        cfg.TriggerLabel,
	}, st, host, poll, run, prMgr, logger)

	return &services{
		cfg: cfg, st: st, host: host, repo: repo,
		poller: poll, runner: run, prManager: prMgr, daemon: d,
		namespace: ns,
	}, nil
}

// inferRepoSlug derives "owner/repo" from the origin remote when the
// config doesn't pin one explicitly.
func inferRepoSlug(repoRoot string) string {
	remote, err := vcs.RemoteURL(context.Background(), repoRoot, "origin")
	if err != nil {
		return ""
	}
	_, owner, repo, ok := namespace.ParseRemoteURL(remote)
	if !ok {
		return ""
	}
	return owner + "/" + repo
}
