package generator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-generator.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunEchoesPromptAndExitsZero(t *testing.T) {
	script := writeScript(t, "cat; echo done\n")
	g := New(Config{Cmd: script}, zerolog.Nop())

	result, err := g.Run(context.Background(), "implement the thing", t.TempDir(), 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "implement the thing")
	assert.Contains(t, result.Stdout, "done")
}

func TestRunPropagatesNonZeroExit(t *testing.T) {
	script := writeScript(t, "cat > /dev/null; echo oops 1>&2; exit 3\n")
	g := New(Config{Cmd: script}, zerolog.Nop())

	result, err := g.Run(context.Background(), "x", t.TempDir(), 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "oops")
}

func TestRunTimesOut(t *testing.T) {
	script := writeScript(t, "cat > /dev/null; sleep 5\n")
	g := New(Config{Cmd: script}, zerolog.Nop())

	_, err := g.Run(context.Background(), "x", t.TempDir(), 1, 1)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
}
