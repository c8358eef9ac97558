package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, namespace string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path, namespace)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestUpsertPolledInsertsPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")

	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{
		{ID: 1, Title: "first", Labels: []string{"bug"}, URL: strPtr("https://x/1")},
	}))

	issue, err := s.ClaimNextPending(ctx, "w1", 2, 60)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, int64(1), issue.ID)
	assert.Equal(t, StatusRunning, issue.Status)
	assert.Equal(t, 1, issue.AttemptCount)
}

func TestUpsertPolledNeverRegressesTerminalState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t"}}))
	issue, err := s.ClaimNextPending(ctx, "w1", 2, 60)
	require.NoError(t, err)
	require.NoError(t, s.MarkDone(ctx, issue.ID, nil, nil, "codex/issue-1", nil, nil))

	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t updated"}}))

	counts, err := s.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusDone])
	assert.Equal(t, 0, counts[StatusPending])
}

func TestClaimNextPendingOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{
		{ID: 5, Title: "older", UpdatedAt: strPtr("2024-01-01T00:00:00Z")},
		{ID: 3, Title: "newer", UpdatedAt: strPtr("2024-02-01T00:00:00Z")},
	}))
	issue, err := s.ClaimNextPending(ctx, "w1", 2, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(3), issue.ID, "most recently updated issue claims first")
}

func TestClaimNextPendingRespectsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t"}}))
	issue, err := s.ClaimNextPending(ctx, "w1", 1, 60)
	require.NoError(t, err)
	require.NotNil(t, issue)
	require.NoError(t, s.MarkFailed(ctx, issue.ID, "boom", nil))

	// attempt_count is now 1, max_attempts is 1: nothing left to claim.
	none, err := s.ClaimNextPending(ctx, "w1", 1, 60)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimPendingByIDFallsThroughWhenNotPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t"}}))
	_, err := s.ClaimNextPending(ctx, "w1", 2, 60)
	require.NoError(t, err)

	issue, err := s.ClaimPendingByID(ctx, 1, "w2", 2, 60)
	require.NoError(t, err)
	assert.Nil(t, issue, "already running, not claimable by id")
}

func TestConcurrentClaimNextPendingClaimsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t"}}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			issue, err := s.ClaimNextPending(ctx, fmt.Sprintf("w%d", n), 5, 60)
			if err == nil && issue != nil {
				mu.Lock()
				winners = append(winners, fmt.Sprintf("w%d", n))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, winners, 1, "exactly one worker must claim the single pending issue")
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t"}}))
	_, err := s.ClaimNextPending(ctx, "w1", 2, -10) // already-expired lease
	require.NoError(t, err)

	n, err := s.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusPending])
}

func TestDailyDoneCountIncrement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	n, err := s.IncrementDailyDoneCount(ctx, "2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementDailyDoneCount(ctx, "2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := s.GetDailyDoneCount(ctx, "2026-07-31")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClearNamespaceState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "ns")
	require.NoError(t, s.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "t"}}))
	_, err := s.IncrementDailyDoneCount(ctx, "2026-07-31")
	require.NoError(t, err)

	issuesDeleted, metaDeleted, err := s.ClearNamespaceState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, issuesDeleted)
	assert.Equal(t, 1, metaDeleted)

	counts, err := s.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestNamespacesAreIndependent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	sa, err := Open(path, "repo-a")
	require.NoError(t, err)
	defer sa.Close()
	sb, err := Open(path, "repo-b")
	require.NoError(t, err)
	defer sb.Close()

	require.NoError(t, sa.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "a"}}))
	require.NoError(t, sb.UpsertPolled(ctx, []PolledIssue{{ID: 1, Title: "b"}}))

	issueA, err := sa.ClaimNextPending(ctx, "w", 2, 60)
	require.NoError(t, err)
	require.NoError(t, sa.MarkDone(ctx, issueA.ID, nil, nil, "b", nil, nil))

	countsB, err := sb.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countsB[StatusPending], "repo-b's issue must be unaffected by repo-a's lifecycle")
}
