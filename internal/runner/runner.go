// Package runner drives the per-issue execution pipeline: preflight
// re-read and skip checks, isolated worktree provisioning, prompt
// synthesis, generator invocation, commit/push, and artifact capture.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scryerhq/scryer/internal/generator"
	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/store"
	"github.com/scryerhq/scryer/internal/vcs"
)

// Outcome is the terminal shape a pipeline run produced. Outcome differs
// from store.Status: "pushed" is the Runner's vocabulary, which the
// Daemon maps onto the Store's "done".
type Outcome string

const (
	OutcomePushed  Outcome = "pushed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Result is what the pipeline returns for one attempt.
type Result struct {
	Outcome  Outcome
	Branch   string
	RunDir   string
	HeadSHA  *string
	Error    *string
	ExitCode *int
}

// Config carries the per-namespace settings the pipeline needs.
type Config struct {
	BranchPrefix          string
	BaseBranch            string
	WorktreesDir          string
	RunsDir               string
	ConventionsFiles      []string
	TriggerLabel          string
	SkipLabels            []string
	CodexTimeoutSeconds   int
	KeepWorktreeOnFailure bool
}

// Runner executes the pipeline against one shared repository clone.
type Runner struct {
	repo   *vcs.Repo
	gen    *generator.Generator
	host   *githost.Client
	store  *store.Store
	cfg    Config
	logger zerolog.Logger
}

// New returns a Runner.
func New(repo *vcs.Repo, gen *generator.Generator, host *githost.Client, st *store.Store, cfg Config, logger zerolog.Logger) *Runner {
	return &Runner{repo: repo, gen: gen, host: host, store: st, cfg: cfg, logger: logger}
}

func utcCompact(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func utcISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func strPtr(s string) *string { return &s }

// Run executes the full pipeline for a claimed issue.
func (r *Runner) Run(ctx context.Context, issue *store.Issue) (*Result, error) {
	issueID := issue.ID
	branch := fmt.Sprintf("%s/issue-%d", r.cfg.BranchPrefix, issueID)
	worktreePath := filepath.Join(r.cfg.WorktreesDir, fmt.Sprintf("issue-%d", issueID))
	runDir := filepath.Join(r.cfg.RunsDir, fmt.Sprintf("issue-%d", issueID), "run-"+utcCompact(time.Now()))

	full, err := r.host.ViewIssue(ctx, issueID)
	if err != nil {
		return nil, &PipelineError{Stage: "preflight re-read", Err: fmt.Errorf("issue %d: %w", issueID, err)}
	}
	labelNames := full.LabelNames()
	if err := r.store.UpdateIssueDetails(ctx, store.IssueDetails{
		ID: issueID, Title: full.Title, Body: full.Body, URL: strPtr(full.URL),
		Labels: labelNames, UpdatedAt: strPtr(full.UpdatedAt),
	}); err != nil {
		return nil, &PipelineError{Stage: "update issue details", Err: fmt.Errorf("issue %d: %w", issueID, err)}
	}

	if skip := r.skipReason(full, labelNames); skip != nil {
		reason := skip.Reason
		return &Result{Outcome: OutcomeSkipped, Branch: branch, RunDir: runDir, Error: &reason}, nil
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, &PipelineError{Stage: "workspace provisioning", Err: fmt.Errorf("create worktree parent: %w", err)}
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, &PipelineError{Stage: "workspace provisioning", Err: fmt.Errorf("create run dir: %w", err)}
	}

	promptText := r.buildPrompt(full)
	artifacts := artifactPaths{
		prompt: filepath.Join(runDir, "prompt.md"),
		stdout: filepath.Join(runDir, "codex_stdout.log"),
		stderr: filepath.Join(runDir, "codex_stderr.log"),
		diff:   filepath.Join(runDir, "git_diff.patch"),
		summary: filepath.Join(runDir, "summary.json"),
	}
	_ = os.WriteFile(artifacts.prompt, []byte(promptText), 0o644)

	startedAt := time.Now()
	outcome, errMsg, headSHA, exitCode, stdout, stderr := r.runAttempt(ctx, issue, full, branch, worktreePath, promptText)

	_ = os.WriteFile(artifacts.stdout, []byte(stdout), 0o644)
	_ = os.WriteFile(artifacts.stderr, []byte(stderr), 0o644)
	_ = os.WriteFile(artifacts.diff, []byte(r.captureDiff(ctx, worktreePath)), 0o644)
	r.writeSummary(artifacts.summary, summaryData{
		IssueID:       issueID,
		Status:        outcome,
		Branch:        branch,
		HeadSHA:       headSHA,
		Error:         errMsg,
		CodexExitCode: exitCode,
		StartedAt:     utcISO(startedAt),
		FinishedAt:    utcISO(time.Now()),
		RunDir:        runDir,
		Artifacts:     artifacts,
	})

	keepWorktree := r.cfg.KeepWorktreeOnFailure && (outcome == OutcomeFailed || outcome == OutcomeTimeout)
	if !keepWorktree {
		r.repo.RemoveWorktree(ctx, worktreePath)
	}

	return &Result{Outcome: outcome, Branch: branch, RunDir: runDir, HeadSHA: headSHA, Error: errMsg, ExitCode: exitCode}, nil
}

// runAttempt provisions the worktree, invokes the generator, and commits
// and pushes on success. It never returns an error: every failure mode
// is captured as an Outcome plus an error message, because artifacts
// must still be written regardless of how the attempt ended.
func (r *Runner) runAttempt(ctx context.Context, issue *store.Issue, full *githost.Issue, branch, worktreePath, promptText string) (outcome Outcome, errMsg, headSHA *string, exitCode *int, stdout, stderr string) {
	outcome = OutcomeFailed

	r.repo.EnsureCleanWorktree(ctx, worktreePath, branch)
	if err := r.repo.AddWorktree(ctx, worktreePath, branch, r.cfg.BaseBranch); err != nil {
		msg := err.Error()
		return outcome, &msg, nil, nil, "", ""
	}
	r.logger.Info().Int64("issue_id", issue.ID).Str("branch", branch).Str("path", worktreePath).Msg("prepared worktree")

	genResult, genErr := r.gen.Run(ctx, promptText, worktreePath, r.cfg.CodexTimeoutSeconds, issue.ID)
	if genErr != nil {
		var timeoutErr *generator.TimeoutError
		if errors.As(genErr, &timeoutErr) {
			msg := fmt.Sprintf("Codex timed out after %ds", r.cfg.CodexTimeoutSeconds)
			return OutcomeTimeout, &msg, nil, nil, timeoutErr.Stdout, timeoutErr.Stderr
		}
		msg := genErr.Error()
		return outcome, &msg, nil, nil, "", ""
	}

	stdout, stderr = genResult.Stdout, genResult.Stderr
	code := genResult.ExitCode
	exitCode = &code
	if genResult.ExitCode != 0 {
		msg := fmt.Sprintf("Codex exited with code %d", genResult.ExitCode)
		return outcome, &msg, nil, exitCode, stdout, stderr
	}

	wt := &vcs.Worktree{Path: worktreePath}
	dirty, err := wt.Dirty(ctx)
	if err != nil {
		msg := err.Error()
		return outcome, &msg, nil, exitCode, stdout, stderr
	}
	if !dirty {
		msg := "no changes produced"
		return OutcomeSkipped, &msg, nil, exitCode, stdout, stderr
	}

	message := fmt.Sprintf("Fix #%d: %s", issue.ID, shortTitle(full.Title, 72))
	if err := wt.CommitAll(ctx, message); err != nil {
		msg := err.Error()
		return outcome, &msg, nil, exitCode, stdout, stderr
	}
	sha, err := wt.HeadSHA(ctx)
	if err != nil {
		msg := err.Error()
		return outcome, &msg, nil, exitCode, stdout, stderr
	}
	headSHA = &sha
	if err := wt.Push(ctx, branch); err != nil {
		msg := err.Error()
		return outcome, &msg, headSHA, exitCode, stdout, stderr
	}

	r.logger.Info().Int64("issue_id", issue.ID).Str("branch", branch).Str("head_sha", sha).Msg("pushed branch")
	return OutcomePushed, nil, headSHA, exitCode, stdout, stderr
}

func (r *Runner) captureDiff(ctx context.Context, worktreePath string) string {
	if _, err := os.Stat(worktreePath); err != nil {
		return ""
	}
	wt := &vcs.Worktree{Path: worktreePath}
	return wt.Diff(ctx)
}

// skipReason applies the three preflight skip filters in order: state,
// trigger label, then skip labels. It returns nil when the issue is
// eligible to proceed.
func (r *Runner) skipReason(full *githost.Issue, labelNames []string) *ErrPreflightSkip {
	if strings.ToLower(full.State) != "open" {
		return &ErrPreflightSkip{Reason: "issue is no longer open"}
	}
	if !contains(labelNames, r.cfg.TriggerLabel) {
		return &ErrPreflightSkip{Reason: fmt.Sprintf("missing trigger label '%s'", r.cfg.TriggerLabel)}
	}
	var hit []string
	skipSet := toSet(r.cfg.SkipLabels)
	for _, label := range labelNames {
		if skipSet[label] {
			hit = append(hit, label)
		}
	}
	if len(hit) > 0 {
		sort.Strings(hit)
		hit = dedup(hit)
		return &ErrPreflightSkip{Reason: fmt.Sprintf("contains skip label(s): %s", strings.Join(hit, ", "))}
	}
	return nil
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func dedup(sorted []string) []string {
	out := sorted[:0:0]
	seen := map[string]bool{}
	for _, s := range sorted {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// shortTitle collapses internal whitespace and truncates at maxLen,
// appending "..." when truncated.
func shortTitle(title string, maxLen int) string {
	clean := strings.TrimSpace(whitespaceRun.ReplaceAllString(title, " "))
	if len(clean) <= maxLen {
		return clean
	}
	return strings.TrimRight(clean[:maxLen-3], " ") + "..."
}

type artifactPaths struct {
	prompt  string
	stdout  string
	stderr  string
	diff    string
	summary string
}

type summaryData struct {
	IssueID       int64
	Status        Outcome
	Branch        string
	HeadSHA       *string
	Error         *string
	CodexExitCode *int
	StartedAt     string
	FinishedAt    string
	RunDir        string
	Artifacts     artifactPaths
}

// writeSummary serialises summary.json with sorted keys, the artifact
// fields it must carry per the workspace contract.
func (r *Runner) writeSummary(path string, d summaryData) {
	payload := map[string]interface{}{
		"issue_id":        d.IssueID,
		"status":          string(d.Status),
		"branch":          d.Branch,
		"head_sha":        d.HeadSHA,
		"error":           d.Error,
		"codex_exit_code": d.CodexExitCode,
		"started_at":      d.StartedAt,
		"finished_at":     d.FinishedAt,
		"run_dir":         d.RunDir,
		"artifacts": map[string]string{
			"prompt": d.Artifacts.prompt,
			"stdout": d.Artifacts.stdout,
			"stderr": d.Artifacts.stderr,
			"diff":   d.Artifacts.diff,
		},
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		r.logger.Error().Err(err).Msg("marshal run summary")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Error().Err(err).Msg("write run summary")
	}
}

// buildPrompt assembles the Markdown prompt the generator receives on
// stdin: task statement, issue metadata, hard rules, and a Repository
// Conventions appendix built from whichever configured files exist.
func (r *Runner) buildPrompt(issue *githost.Issue) string {
	body := strings.TrimSpace(derefString(issue.Body))
	if body == "" {
		body = "(No issue body provided.)"
	}

	var b strings.Builder
	b.WriteString("# Task\n")
	b.WriteString("Implement the enhancement described in this GitHub issue.\n\n")
	b.WriteString("## Issue\n")
	fmt.Fprintf(&b, "- Number: %d\n", issue.Number)
	fmt.Fprintf(&b, "- Title: %s\n", strings.TrimSpace(issue.Title))
	fmt.Fprintf(&b, "- URL: %s\n\n", strings.TrimSpace(issue.URL))
	b.WriteString("### Body\n")
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString("## Hard Rules\n")
	b.WriteString("- Keep changes minimal and reviewable.\n")
	b.WriteString("- Do not modify unrelated files.\n")
	b.WriteString("- Run relevant tests/linters if they are available and straightforward.\n")
	b.WriteString("- If requirements are unclear, stop and explain what is missing instead of guessing.\n\n")
	b.WriteString("## Required Final Output\n")
	b.WriteString("- If you are ready for the final output, make a refactor pass on the full change set and include those.\n")
	b.WriteString("- A brief summary of what changed.\n")
	b.WriteString("- Exact commands used to verify the change.\n\n")

	if conventions := r.loadConventions(); conventions != "" {
		b.WriteString("## Repository Conventions\n")
		b.WriteString(conventions)
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *Runner) loadConventions() string {
	var b strings.Builder
	for _, filename := range r.cfg.ConventionsFiles {
		path := filepath.Join(r.repo.Root, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", filename, text)
	}
	return b.String()
}
