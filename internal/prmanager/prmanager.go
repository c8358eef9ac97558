// Package prmanager turns a pushed branch into an open pull request,
// idempotently: a branch that already has an open PR is reused rather
// than duplicated.
package prmanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/runner"
	"github.com/scryerhq/scryer/internal/store"
)

// Info describes the pull request backing a pushed branch.
type Info struct {
	Number  int64
	URL     string
	Created bool
}

// Config carries the settings EnsurePR needs.
type Config struct {
	BaseBranch            string
	DraftPR               bool
	IssueCommentOnSuccess bool
}

// Manager opens or reuses a PR for a pushed branch.
type Manager struct {
	host   *githost.Client
	cfg    Config
	logger zerolog.Logger
}

// New returns a Manager.
func New(host *githost.Client, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{host: host, cfg: cfg, logger: logger}
}

// EnsurePR returns the open PR for result.Branch, creating one if none
// exists yet.
func (m *Manager) EnsurePR(ctx context.Context, issue *store.Issue, result *runner.Result) (*Info, error) {
	existing, err := m.host.ListOpenPRForBranch(ctx, result.Branch)
	if err != nil {
		return nil, fmt.Errorf("list open pr for branch %s: %w", result.Branch, err)
	}
	if len(existing) > 0 {
		first := existing[0]
		m.logger.Info().Str("branch", result.Branch).Int64("pr", first.Number).Msg("pr already open")
		return &Info{Number: first.Number, URL: first.URL, Created: false}, nil
	}

	title := fmt.Sprintf("[Codex] %s", strings.TrimSpace(issue.Title))
	body := buildBody(issue.ID)
	m.logger.Info().Str("branch", result.Branch).Str("base", m.cfg.BaseBranch).Bool("draft", m.cfg.DraftPR).Msg("creating pr")
	createOut, err := m.host.CreatePR(ctx, result.Branch, m.cfg.BaseBranch, title, body, m.cfg.DraftPR)
	if err != nil {
		return nil, fmt.Errorf("create pr for branch %s: %w", result.Branch, err)
	}

	var prNumber int64
	var prURL string
	refreshed, err := m.host.ListOpenPRForBranch(ctx, result.Branch)
	if err == nil && len(refreshed) > 0 {
		prNumber = refreshed[0].Number
		prURL = refreshed[0].URL
	} else {
		if n := githost.ParsePRNumberFromURL(createOut); n != nil {
			prNumber = *n
		}
		prURL = strings.TrimSpace(createOut)
	}

	if m.cfg.IssueCommentOnSuccess && prURL != "" {
		comment := fmt.Sprintf("Opened PR for this issue: %s", prURL)
		if err := m.host.CommentIssue(ctx, issue.ID, comment); err != nil {
			m.logger.Warn().Err(err).Int64("issue_id", issue.ID).Msg("failed to post issue comment")
		} else {
			m.logger.Info().Int64("issue_id", issue.ID).Str("pr_url", prURL).Msg("posted issue comment")
		}
	}

	m.logger.Info().Str("branch", result.Branch).Int64("pr_number", prNumber).Str("pr_url", prURL).Msg("pr ready")
	return &Info{Number: prNumber, URL: prURL, Created: true}, nil
}

func buildBody(issueID int64) string {
	return strings.Join([]string{
		fmt.Sprintf("Fixes #%d", issueID),
		"",
		"### What Changed",
		"- Automated implementation generated in a dedicated worktree.",
		"",
		"### How To Verify",
		"- Review the PR diff and run project tests/linters.",
	}, "\n")
}
