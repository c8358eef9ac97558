// Package poller fetches the currently labelled, open issue set from
// the code host and upserts it into the store, never touching terminal
// state.
package poller

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/store"
)

const listLimit = 100

// Poller pulls open, labelled issues into the store.
type Poller struct {
	host         *githost.Client
	st           *store.Store
	triggerLabel string
	logger       zerolog.Logger
}

// New returns a Poller for triggerLabel.
func New(host *githost.Client, st *store.Store, triggerLabel string, logger zerolog.Logger) *Poller {
	return &Poller{host: host, st: st, triggerLabel: triggerLabel, logger: logger}
}

// PollAndUpsert fetches up to 100 most-recently-updated open issues
// carrying the trigger label and upserts them, returning the count
// fetched. Body is intentionally left nil here; the runner's preflight
// re-read fills it in once an issue is actually claimed.
func (p *Poller) PollAndUpsert(ctx context.Context) (int, error) {
	issues, err := p.host.ListOpenIssues(ctx, p.triggerLabel, listLimit)
	if err != nil {
		return 0, fmt.Errorf("list open issues: %w", err)
	}

	payload := make([]store.PolledIssue, 0, len(issues))
	for _, issue := range issues {
		url := issue.URL
		updatedAt := issue.UpdatedAt
		payload = append(payload, store.PolledIssue{
			ID:        issue.Number,
			Title:     issue.Title,
			Body:      nil,
			URL:       &url,
			Labels:    issue.LabelNames(),
			UpdatedAt: &updatedAt,
		})
	}

	if err := p.st.UpsertPolled(ctx, payload); err != nil {
		return 0, fmt.Errorf("upsert polled issues: %w", err)
	}
	p.logger.Info().Int("fetched", len(payload)).Msg("poll complete")
	return len(payload), nil
}
