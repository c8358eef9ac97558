// Package generator supervises the external code-generation subprocess
// (codex or equivalent) as a message-passing collaborator: one prompt in
// over stdin, output captured until the process exits or a wall-clock
// deadline forces it down.
package generator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// heartbeatInterval bounds how long the runner can go without a log
// line while the generator is still working.
const heartbeatInterval = 20 * time.Second

// Config describes how to invoke the generator binary.
type Config struct {
	Cmd          string
	Mode         string
	Args         []string
	Model        string
	AllowedTools string
	CostGuard    string
}

// Result is a completed (non-timeout) generator run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// TimeoutError reports that the wall-clock deadline elapsed before the
// generator exited; Stdout/Stderr hold whatever output was captured
// before the process was killed.
type TimeoutError struct {
	Stdout  string
	Stderr  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generator timed out after %s", e.Elapsed)
}

// Generator runs Config.Cmd against a workspace directory.
type Generator struct {
	cfg    Config
	logger zerolog.Logger
}

// New returns a Generator for cfg, logging heartbeats through logger.
func New(cfg Config, logger zerolog.Logger) *Generator {
	return &Generator{cfg: cfg, logger: logger}
}

func (g *Generator) buildArgs() []string {
	args := []string{}
	if g.cfg.Mode != "" {
		args = append(args, g.cfg.Mode)
	}
	args = append(args, g.cfg.Args...)
	if g.cfg.Model != "" {
		args = append(args, "--model", g.cfg.Model)
	}
	if g.cfg.AllowedTools != "" {
		args = append(args, "--allowed-tools", g.cfg.AllowedTools)
	}
	if g.cfg.CostGuard != "" {
		args = append(args, "--cost-guard", g.cfg.CostGuard)
	}
	return args
}

// Run starts the generator in workspaceDir, delivers promptText on its
// stdin once, and waits up to timeoutSeconds for it to exit, emitting a
// heartbeat log line (naming issueID and elapsed seconds) at least every
// 20 seconds while it waits.
func (g *Generator) Run(ctx context.Context, promptText, workspaceDir string, timeoutSeconds int, issueID int64) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.cfg.Cmd, g.buildArgs()...)
	cmd.Dir = workspaceDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open generator stdin: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start generator: %w", err)
	}

	go func() {
		io.WriteString(stdin, promptText)
		stdin.Close()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			elapsed := time.Since(start)
			exitCode := 0
			if waitErr != nil {
				if exitErr, ok := waitErr.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					return nil, fmt.Errorf("generator wait: %w", waitErr)
				}
			}
			return &Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String(), Elapsed: elapsed}, nil

		case <-ticker.C:
			g.logger.Info().
				Int64("issue_id", issueID).
				Int("elapsed_seconds", int(time.Since(start).Seconds())).
				Msg("generator still running")

		case <-runCtx.Done():
			<-done // CommandContext already killed the process; drain its exit.
			return nil, &TimeoutError{Stdout: stdout.String(), Stderr: stderr.String(), Elapsed: time.Since(start)}
		}
	}
}
