// Package githost implements the IssueSource and PR-publishing
// collaborator contracts against GitHub's `gh` CLI, wrapping every
// invocation in a circuit breaker so a down platform fails fast instead
// of spawning a doomed subprocess on every call.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// UpstreamError reports a failed `gh` invocation, preserving enough
// detail for the daemon's backoff logic and for diagnostic logging.
type UpstreamError struct {
	Cmd      []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gh command failed (%d): %s\nstderr: %s", e.ExitCode, strings.Join(e.Cmd, " "), strings.TrimSpace(e.Stderr))
}

// Issue is the upstream shape returned by `gh issue list`/`gh issue view`.
type Issue struct {
	Number    int64   `json:"number"`
	Title     string  `json:"title"`
	Body      *string `json:"body"`
	URL       string  `json:"url"`
	State     string  `json:"state"`
	UpdatedAt string  `json:"updatedAt"`
	Labels    []Label `json:"labels"`
}

// Label is a single GitHub issue/PR label.
type Label struct {
	Name string `json:"name"`
}

// LabelNames extracts the label name list from an Issue.
func (i Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	return names
}

// PullRequest is the shape `gh pr list`/`gh pr create` report.
type PullRequest struct {
	Number int64  `json:"number"`
	URL    string `json:"url"`
}

// Client drives the `gh` CLI against a single "owner/repo" slug.
type Client struct {
	repo    string
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewClient returns a Client for repo ("owner/repo"), circuit-breaking
// gh invocations after 5 consecutive failures for 30s.
func NewClient(repo string, logger zerolog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "gh:" + repo,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &Client{
		repo:    repo,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		cmd := exec.CommandContext(ctx, "gh", args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		if runErr != nil {
			exitCode := -1
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
			return "", &UpstreamError{
				Cmd:      append([]string{"gh"}, args...),
				ExitCode: exitCode,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}
		}
		return stdout.String(), nil
	})
	if err != nil {
		if upstream, ok := err.(*UpstreamError); ok {
			return "", upstream
		}
		// Breaker open / too many requests: surface as an upstream
		// failure so the daemon's backoff treats it identically.
		return "", &UpstreamError{Cmd: append([]string{"gh"}, args...), ExitCode: -1, Stderr: err.Error()}
	}
	return result.(string), nil
}

func (c *Client) runJSON(ctx context.Context, args []string, out interface{}) error {
	raw, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &UpstreamError{Cmd: append([]string{"gh"}, args...), ExitCode: 1, Stdout: raw, Stderr: fmt.Sprintf("invalid JSON from gh: %v", err)}
	}
	return nil
}

// ListOpenIssues fetches up to limit most-recently-updated open issues
// carrying triggerLabel.
func (c *Client) ListOpenIssues(ctx context.Context, triggerLabel string, limit int) ([]Issue, error) {
	query := fmt.Sprintf("is:issue is:open label:%s sort:updated-desc", triggerLabel)
	var issues []Issue
	err := c.runJSON(ctx, []string{
		"issue", "list",
		"--repo", c.repo,
		"--search", query,
		"--limit", fmt.Sprintf("%d", limit),
		"--json", "number,title,updatedAt,createdAt,url,labels",
	}, &issues)
	return issues, err
}

// ViewIssue fetches the full current state of one issue.
func (c *Client) ViewIssue(ctx context.Context, id int64) (*Issue, error) {
	var issue Issue
	err := c.runJSON(ctx, []string{
		"issue", "view", fmt.Sprintf("%d", id),
		"--repo", c.repo,
		"--json", "number,title,body,url,labels,updatedAt,state",
	}, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListOpenPRForBranch returns open PRs whose head is branch.
func (c *Client) ListOpenPRForBranch(ctx context.Context, branch string) ([]PullRequest, error) {
	var prs []PullRequest
	err := c.runJSON(ctx, []string{
		"pr", "list",
		"--repo", c.repo,
		"--head", branch,
		"--state", "open",
		"--json", "number,url",
	}, &prs)
	return prs, err
}

// CreatePR opens a PR from branch onto baseBranch and returns gh's
// textual output (typically the new PR's URL).
func (c *Client) CreatePR(ctx context.Context, branch, baseBranch, title, body string, draft bool) (string, error) {
	args := []string{
		"pr", "create",
		"--repo", c.repo,
		"--head", branch,
		"--base", baseBranch,
		"--title", title,
		"--body", body,
	}
	if draft {
		args = append(args, "--draft")
	}
	out, err := c.run(ctx, args...)
	return strings.TrimSpace(out), err
}

// CommentIssue posts a comment on issue id.
func (c *Client) CommentIssue(ctx context.Context, id int64, body string) error {
	_, err := c.run(ctx, "issue", "comment", fmt.Sprintf("%d", id), "--repo", c.repo, "--body", body)
	return err
}

var pullNumberPattern = regexp.MustCompile(`/pull/(\d+)`)

// ParsePRNumberFromURL extracts the PR number from a `gh pr create` URL,
// used when CreatePR's output must be parsed because the post-creation
// re-query raced and found nothing yet.
func ParsePRNumberFromURL(url string) *int64 {
	m := pullNumberPattern.FindStringSubmatch(url)
	if m == nil {
		return nil
	}
	var n int64
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return nil
	}
	return &n
}
