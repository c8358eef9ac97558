package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scryerhq/scryer/internal/generator"
	"github.com/scryerhq/scryer/internal/githost"
	"github.com/scryerhq/scryer/internal/store"
	"github.com/scryerhq/scryer/internal/vcs"
)

// withFakeGh installs a "gh" script on PATH that answers `issue view`
// with a fixed JSON payload, the same technique githost_test.go uses.
func withFakeGh(t *testing.T, issueJSON string) {
	t.Helper()
	dir := t.TempDir()
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s' %q\n", issueJSON)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gh"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

// newTestRepo creates a bare origin plus a working clone with one commit
// on the configured base branch, matching what the Runner expects to
// find already checked out before it adds a worktree.
func newTestRepo(t *testing.T, baseBranch string) (originPath, clonePath string) {
	t.Helper()
	root := t.TempDir()
	originPath = filepath.Join(root, "origin.git")
	clonePath = filepath.Join(root, "clone")

	require.NoError(t, os.MkdirAll(originPath, 0o755))
	runGit(t, originPath, "init", "--bare", "-b", baseBranch)

	require.NoError(t, os.MkdirAll(clonePath, 0o755))
	runGit(t, clonePath, "init", "-b", baseBranch)
	runGit(t, clonePath, "config", "user.email", "test@example.com")
	runGit(t, clonePath, "config", "user.name", "test")
	runGit(t, clonePath, "remote", "add", "origin", originPath)
	require.NoError(t, os.WriteFile(filepath.Join(clonePath, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, clonePath, "add", "-A")
	runGit(t, clonePath, "commit", "-m", "initial")
	runGit(t, clonePath, "push", "-u", "origin", baseBranch)
	return originPath, clonePath
}

func newTestStore(t *testing.T, namespace string) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(path, namespace)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func writeGenScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-codex.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func baseConfig(t *testing.T, clonePath, baseBranch string) Config {
	return Config{
		BranchPrefix:        "codex",
		BaseBranch:          baseBranch,
		WorktreesDir:        filepath.Join(clonePath, "..", "worktrees"),
		RunsDir:             filepath.Join(clonePath, "..", "runs"),
		ConventionsFiles:    []string{"AGENTS.md"},
		TriggerLabel:        "enhancement",
		SkipLabels:          []string{"wontfix", "blocked"},
		CodexTimeoutSeconds: 5,
	}
}

func TestRunSkipsWhenNotOpen(t *testing.T) {
	withFakeGh(t, `{"number":1,"title":"t","body":"b","url":"https://x/1","state":"CLOSED","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")
	require.NoError(t, st.UpsertPolled(context.Background(), []store.PolledIssue{{ID: 1, Title: "t", URL: strRef("https://x/1")}}))

	r := New(&vcs.Repo{Root: clonePath}, generator.New(generator.Config{Cmd: "true"}, zerolog.Nop()), githost.NewClient("acme/widgets", zerolog.Nop()), st, baseConfig(t, clonePath, "main"), zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 1, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, *result.Error, "no longer open")
}

func TestRunSkipsWhenMissingTriggerLabel(t *testing.T) {
	withFakeGh(t, `{"number":1,"title":"t","body":"b","url":"https://x/1","state":"OPEN","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"bug"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")

	r := New(&vcs.Repo{Root: clonePath}, generator.New(generator.Config{Cmd: "true"}, zerolog.Nop()), githost.NewClient("acme/widgets", zerolog.Nop()), st, baseConfig(t, clonePath, "main"), zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 1, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, *result.Error, "missing trigger label")
}

func TestRunSkipsOnSkipLabel(t *testing.T) {
	withFakeGh(t, `{"number":1,"title":"t","body":"b","url":"https://x/1","state":"OPEN","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"},{"name":"wontfix"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")

	r := New(&vcs.Repo{Root: clonePath}, generator.New(generator.Config{Cmd: "true"}, zerolog.Nop()), githost.NewClient("acme/widgets", zerolog.Nop()), st, baseConfig(t, clonePath, "main"), zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 1, Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, *result.Error, "skip label(s): wontfix")
}

func TestRunPushesOnChanges(t *testing.T) {
	withFakeGh(t, `{"number":7,"title":"Add a widget","body":"please add it","url":"https://x/7","state":"OPEN","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")

	genScript := writeGenScript(t, "cat > /dev/null\necho 'changed' > new_file.txt\necho ok\n")
	gen := generator.New(generator.Config{Cmd: genScript}, zerolog.Nop())

	r := New(&vcs.Repo{Root: clonePath}, gen, githost.NewClient("acme/widgets", zerolog.Nop()), st, baseConfig(t, clonePath, "main"), zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 7, Title: "Add a widget"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePushed, result.Outcome)
	assert.Equal(t, "codex/issue-7", result.Branch)
	require.NotNil(t, result.HeadSHA)
	assert.NotEmpty(t, *result.HeadSHA)

	_, err = os.Stat(filepath.Join(result.RunDir, "summary.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(result.RunDir, "git_diff.patch"))
	assert.NoError(t, err)
}

func TestRunSkipsWhenNoChangesProduced(t *testing.T) {
	withFakeGh(t, `{"number":9,"title":"Nothing to do","body":"b","url":"https://x/9","state":"OPEN","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")

	genScript := writeGenScript(t, "cat > /dev/null\necho ok\n")
	gen := generator.New(generator.Config{Cmd: genScript}, zerolog.Nop())

	r := New(&vcs.Repo{Root: clonePath}, gen, githost.NewClient("acme/widgets", zerolog.Nop()), st, baseConfig(t, clonePath, "main"), zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 9, Title: "Nothing to do"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, *result.Error, "no changes produced")
}

func TestRunFailsOnNonZeroGeneratorExit(t *testing.T) {
	withFakeGh(t, `{"number":11,"title":"Broken","body":"b","url":"https://x/11","state":"OPEN","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")

	genScript := writeGenScript(t, "cat > /dev/null\nexit 2\n")
	gen := generator.New(generator.Config{Cmd: genScript}, zerolog.Nop())

	r := New(&vcs.Repo{Root: clonePath}, gen, githost.NewClient("acme/widgets", zerolog.Nop()), st, baseConfig(t, clonePath, "main"), zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 11, Title: "Broken"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 2, *result.ExitCode)
}

func TestRunTimesOutKeepsWorktreeWhenConfigured(t *testing.T) {
	withFakeGh(t, `{"number":13,"title":"Slow","body":"b","url":"https://x/13","state":"OPEN","updatedAt":"2026-01-01T00:00:00Z","labels":[{"name":"enhancement"}]}`)
	_, clonePath := newTestRepo(t, "main")
	st := newTestStore(t, "ns")

	genScript := writeGenScript(t, "cat > /dev/null\nsleep 5\n")
	gen := generator.New(generator.Config{Cmd: genScript}, zerolog.Nop())

	cfg := baseConfig(t, clonePath, "main")
	cfg.CodexTimeoutSeconds = 1
	cfg.KeepWorktreeOnFailure = true

	r := New(&vcs.Repo{Root: clonePath}, gen, githost.NewClient("acme/widgets", zerolog.Nop()), st, cfg, zerolog.Nop())
	result, err := r.Run(context.Background(), &store.Issue{ID: 13, Title: "Slow"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, result.Outcome)

	worktreePath := filepath.Join(cfg.WorktreesDir, "issue-13")
	_, statErr := os.Stat(worktreePath)
	assert.NoError(t, statErr, "worktree should survive when keep_worktree_on_failure is set")
}

func TestShortTitleTruncatesAndCollapsesWhitespace(t *testing.T) {
	long := "This   is\na very long   issue title that will need to be truncated for the commit message"
	got := shortTitle(long, 40)
	assert.LessOrEqual(t, len(got), 40)
	assert.True(t, len(got) >= 3 && got[len(got)-3:] == "...")
}

func strRef(s string) *string { return &s }
