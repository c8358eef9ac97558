package poller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/store"
)

func withFakeGh(t *testing.T, stdout string) {
	t.Helper()
	dir := t.TempDir()
	script := "#!/bin/sh\nprintf '%s'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gh"), []byte("#!/bin/sh\ncat <<'EOF'\n"+stdout+"\nEOF\n"), 0o755))
	_ = script
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "ns")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPollAndUpsertInsertsPendingIssues(t *testing.T) {
	withFakeGh(t, `[{"number":1,"title":"fix it","url":"https://x/1","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"}]},{"number":2,"title":"fix it too","url":"https://x/2","updatedAt":"2026-01-02T00:00:00Z","labels":[{"name":"enhancement"},{"name":"bug"}]}]`)
	c := githost.NewClient("acme/widgets", zerolog.Nop())
	st := newTestStore(t)
	p := New(c, st, "enhancement", zerolog.Nop())

	n, err := p.PollAndUpsert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := st.GetStatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[store.StatusPending])
}

func TestPollAndUpsertHandlesEmptyResult(t *testing.T) {
	withFakeGh(t, `[]`)
	c := githost.NewClient("acme/widgets", zerolog.Nop())
	st := newTestStore(t)
	p := New(c, st, "enhancement", zerolog.Nop())

	n, err := p.PollAndUpsert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
