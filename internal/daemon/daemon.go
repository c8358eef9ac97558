// Package daemon runs the poll-claim-generate-publish control loop: one
// cycle polls the code host, requeues expired leases, claims pending
// issues up to the daily cap, and drives each through the runner and PR
// manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/poller"
	"github.com/scryerhq/scryer/internal/prmanager"
	"github.com/scryerhq/scryer/internal/runner"
	"github.com/scryerhq/scryer/internal/store"
)

// Config carries the daemon-level settings, a subset of the full
// application configuration.
type Config struct {
	WorkerID            string
	PollIntervalSeconds int
	LeaseSeconds        int
	MaxAttempts         int
	MaxIssuesPerDay     int
	MaxConcurrent       int
	TriggerLabel        string
}

// CycleResult reports what one RunOnce call did, the unit the backoff
// logic in RunForever reasons about.
type CycleResult struct {
	Processed bool
	Statuses  []string
	// Status is the priority-ordered aggregate of Statuses: "done" if any
	// entry succeeded, else "skipped" if any, else "timeout" if any, else
	// "failed". Empty when Processed is false.
	Status string
}

// statusPriority ranks terminal outcomes for batch aggregation: done wins
// over skipped, which wins over timeout, which wins over failed.
var statusPriority = []string{"done", "skipped", "timeout", "failed"}

// aggregateStatus reduces a batch's per-issue terminal statuses to the
// single tag spec.md §4.5 defines: done if any succeeded, else skipped if
// any, else timeout if any, else failed. Returns "" when statuses is empty.
func aggregateStatus(statuses []string) string {
	if len(statuses) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		seen[s] = true
	}
	for _, candidate := range statusPriority {
		if seen[candidate] {
			return candidate
		}
	}
	return "failed"
}

// Daemon wires the store and its collaborators into the control loop.
type Daemon struct {
	cfg       Config
	st        *store.Store
	host      *githost.Client
	poll      *poller.Poller
	run       *runner.Runner
	prManager *prmanager.Manager
	logger    zerolog.Logger
}

// New returns a Daemon.
func New(cfg Config, st *store.Store, host *githost.Client, poll *poller.Poller, run *runner.Runner, prManager *prmanager.Manager, logger zerolog.Logger) *Daemon {
	return &Daemon{cfg: cfg, st: st, host: host, poll: poll, run: run, prManager: prManager, logger: logger}
}

func today() string {
	return time.Now().Format("2006-01-02")
}

// RunOnce executes a single cycle. When issueID is non-nil it targets
// that issue specifically (bypassing the daily cap, matching the manual
// run-once CLI path); otherwise it claims and processes a batch of
// pending issues bounded by MaxConcurrent and the remaining daily quota.
func (d *Daemon) RunOnce(ctx context.Context, issueID *int64) (*CycleResult, error) {
	polled, err := d.poll.PollAndUpsert(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Int("fetched", polled).Msg("poll sync complete")

	expired, err := d.st.RequeueExpiredLeases(ctx)
	if err != nil {
		return nil, err
	}
	if expired > 0 {
		d.logger.Info().Int("count", expired).Msg("requeued expired leases")
	}

	if issueID != nil {
		issue, err := d.claimTargetIssue(ctx, *issueID)
		if err != nil {
			return nil, err
		}
		if issue == nil {
			d.logger.Info().Int64("issue_id", *issueID).Msg("requested issue is not pending")
			return &CycleResult{Processed: false}, nil
		}
		status := d.handleIssue(ctx, issue)
		return &CycleResult{Processed: true, Statuses: []string{status}, Status: aggregateStatus([]string{status})}, nil
	}

	doneCount, err := d.st.GetDailyDoneCount(ctx, today())
	if err != nil {
		return nil, err
	}
	remaining := d.cfg.MaxIssuesPerDay - doneCount
	if remaining <= 0 {
		d.logger.Warn().Int("limit", d.cfg.MaxIssuesPerDay).Msg("daily issue limit reached")
		return &CycleResult{Processed: false}, nil
	}

	claimLimit := max(1, d.cfg.MaxConcurrent)
	claimLimit = min(claimLimit, remaining)

	var claimed []*store.Issue
	for i := 0; i < claimLimit; i++ {
		issue, err := d.st.ClaimNextPending(ctx, d.cfg.WorkerID, d.cfg.MaxAttempts, d.cfg.LeaseSeconds)
		if err != nil {
			return nil, err
		}
		if issue == nil {
			break
		}
		claimed = append(claimed, issue)
	}
	if len(claimed) == 0 {
		d.logger.Info().Msg("no pending issues available")
		return &CycleResult{Processed: false}, nil
	}

	statuses := make([]string, len(claimed))
	if len(claimed) == 1 {
		statuses[0] = d.handleIssue(ctx, claimed[0])
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(claimLimit)
		for i, issue := range claimed {
			i, issue := i, issue
			g.Go(func() error {
				statuses[i] = d.handleIssue(gctx, issue)
				return nil
			})
		}
		_ = g.Wait()
	}
	return &CycleResult{Processed: true, Statuses: statuses, Status: aggregateStatus(statuses)}, nil
}

// claimTargetIssue tries to claim issueID directly; if it isn't in the
// store as pending yet (e.g. a just-labelled issue this worker hasn't
// polled), it fetches and upserts it once before retrying the claim.
func (d *Daemon) claimTargetIssue(ctx context.Context, issueID int64) (*store.Issue, error) {
	issue, err := d.st.ClaimPendingByID(ctx, issueID, d.cfg.WorkerID, d.cfg.MaxAttempts, d.cfg.LeaseSeconds)
	if err != nil {
		return nil, err
	}
	if issue != nil {
		return issue, nil
	}

	full, err := d.host.ViewIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	url := full.URL
	updatedAt := full.UpdatedAt
	if err := d.st.UpsertPolled(ctx, []store.PolledIssue{{
		ID: full.Number, Title: full.Title, Body: full.Body, URL: &url,
		Labels: full.LabelNames(), UpdatedAt: &updatedAt,
	}}); err != nil {
		return nil, err
	}
	return d.st.ClaimPendingByID(ctx, issueID, d.cfg.WorkerID, d.cfg.MaxAttempts, d.cfg.LeaseSeconds)
}

// handleIssue drives one claimed issue through the runner and, on a
// pushed branch, the PR manager, marking the store's terminal state and
// returning the outcome name for the backoff bookkeeping in RunForever.
// A panic anywhere in the pipeline is recovered here: the issue is marked
// failed with the captured stack logged, and the loop keeps running.
func (d *Daemon) handleIssue(ctx context.Context, issue *store.Issue) (status string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Int64("issue_id", issue.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered panic in issue handler")
			_ = d.st.MarkFailed(ctx, issue.ID, fmt.Sprintf("panic: %v", r), nil)
			status = "failed"
		}
	}()
	return d.handleIssueInner(ctx, issue)
}

func (d *Daemon) handleIssueInner(ctx context.Context, issue *store.Issue) string {
	d.logger.Info().Int64("issue_id", issue.ID).Int("attempt", issue.AttemptCount).Msg("claimed issue")

	result, err := d.run.Run(ctx, issue)
	if err != nil {
		_ = d.st.MarkFailed(ctx, issue.ID, err.Error(), nil)
		d.logger.Error().Err(err).Int64("issue_id", issue.ID).Msg("issue handling error")
		return "failed"
	}

	d.logger.Info().Int64("issue_id", issue.ID).Str("status", string(result.Outcome)).
		Str("branch", result.Branch).Str("run_dir", result.RunDir).Msg("runner result")

	switch result.Outcome {
	case runner.OutcomePushed:
		pr, err := d.prManager.EnsurePR(ctx, issue, result)
		if err != nil {
			_ = d.st.MarkFailed(ctx, issue.ID, err.Error(), &result.RunDir)
			d.logger.Error().Err(err).Int64("issue_id", issue.ID).Msg("pr creation failed")
			return "failed"
		}
		if err := d.st.MarkDone(ctx, issue.ID, &pr.Number, &pr.URL, result.Branch, result.HeadSHA, &result.RunDir); err != nil {
			d.logger.Error().Err(err).Int64("issue_id", issue.ID).Msg("mark done failed")
		}
		if _, err := d.st.IncrementDailyDoneCount(ctx, today()); err != nil {
			d.logger.Error().Err(err).Msg("increment daily count failed")
		}
		d.logger.Info().Int64("issue_id", issue.ID).Str("pr_url", pr.URL).Msg("issue complete")
		return "done"

	case runner.OutcomeSkipped:
		reason := "no changes produced"
		if result.Error != nil {
			reason = *result.Error
		}
		_ = d.st.MarkSkipped(ctx, issue.ID, reason, &result.RunDir)
		d.logger.Info().Int64("issue_id", issue.ID).Str("reason", reason).Msg("issue skipped")
		return "skipped"

	case runner.OutcomeTimeout:
		reason := "runner timeout"
		if result.Error != nil {
			reason = *result.Error
		}
		_ = d.st.MarkTimeout(ctx, issue.ID, reason, &result.RunDir)
		d.logger.Warn().Int64("issue_id", issue.ID).Msg("issue timed out")
		return "timeout"

	default:
		reason := "runner failed"
		if result.Error != nil {
			reason = *result.Error
		}
		_ = d.st.MarkFailed(ctx, issue.ID, reason, &result.RunDir)
		d.logger.Error().Int64("issue_id", issue.ID).Str("error", reason).Msg("issue failed")
		return "failed"
	}
}

// RunForever loops RunOnce until ctx is cancelled, applying the
// deterministic backoff: a successful cycle resets the upstream-failure
// backoff and sleeps poll_interval_seconds; an UpstreamError sleeps the
// current backoff then doubles it (capped at 300s); once three or more
// consecutive cycles end failed/timeout, every sleep is poll_interval*3
// (capped at 300s) until a processed cycle with any other outcome resets
// the count. Cancelling ctx stops the loop after the in-flight cycle
// finishes; that cycle itself runs on a context ctx cannot cancel.
func (d *Daemon) RunForever(ctx context.Context) {
	ghBackoff := d.cfg.PollIntervalSeconds
	consecutiveFailures := 0
	cycle := 0
	d.logger.Info().Str("worker", d.cfg.WorkerID).
		Int("poll_interval_seconds", d.cfg.PollIntervalSeconds).
		Int("lease_seconds", d.cfg.LeaseSeconds).
		Int("max_attempts", d.cfg.MaxAttempts).
		Msg("daemon started")

	for ctx.Err() == nil {
		cycle++
		started := time.Now()

		result, err := d.RunOnce(context.WithoutCancel(ctx), nil)
		if err != nil {
			var upstream *githost.UpstreamError
			if errors.As(err, &upstream) {
				wait := min(ghBackoff, 300)
				d.logger.Error().Err(err).Int("cycle", cycle).Int("backoff_seconds", wait).Msg("github operation failed")
				ghBackoff = min(ghBackoff*2, 300)
				d.sleepInterruptible(ctx, wait)
				continue
			}
			d.logger.Error().Err(err).Int("cycle", cycle).Msg("unexpected daemon loop error")
			d.sleepInterruptible(ctx, d.cfg.PollIntervalSeconds)
			continue
		}
		ghBackoff = d.cfg.PollIntervalSeconds

		elapsed := int(time.Since(started).Seconds())
		d.logger.Info().Int("cycle", cycle).Bool("processed", result.Processed).
			Strs("statuses", result.Statuses).Str("status", result.Status).
			Int("elapsed_seconds", elapsed).Msg("cycle complete")

		failed := result.Status == "failed" || result.Status == "timeout"
		switch {
		case failed:
			consecutiveFailures++
		case result.Processed:
			consecutiveFailures = 0
		}

		sleepSeconds := d.cfg.PollIntervalSeconds
		if consecutiveFailures >= 3 {
			sleepSeconds = min(d.cfg.PollIntervalSeconds*3, 300)
			d.logger.Warn().Int("cycle", cycle).Int("count", consecutiveFailures).
				Int("wait_seconds", sleepSeconds).Msg("consecutive failures threshold reached")
		}
		d.sleepInterruptible(ctx, sleepSeconds)
	}
	d.logger.Info().Msg("daemon stopped")
}

// sleepInterruptible sleeps in at-most-1-second slices so ctx
// cancellation (e.g. SIGINT/SIGTERM) interrupts a long sleep promptly.
func (d *Daemon) sleepInterruptible(ctx context.Context, seconds int) {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for ctx.Err() == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		tick := remaining
		if tick > time.Second {
			tick = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
	}
}
