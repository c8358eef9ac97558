// Package logging wraps zerolog with the component/namespace/issue fields
// scryer's components attach to every log line.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger. Init replaces it; until Init is
// called it writes console-formatted output to stdout at info level.
var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level   Level
	JSON    bool
	Verbose bool
	Output  io.Writer
}

func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSON {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNamespace attaches a namespace field, scoping log lines to one repo.
func WithNamespace(l zerolog.Logger, namespace string) zerolog.Logger {
	return l.With().Str("namespace", namespace).Logger()
}

// WithIssue attaches an issue_id field.
func WithIssue(l zerolog.Logger, issueID int) zerolog.Logger {
	return l.With().Int("issue_id", issueID).Logger()
}

// WithWorker attaches a worker field identifying the claiming worker_id.
func WithWorker(l zerolog.Logger, workerID string) zerolog.Logger {
	return l.With().Str("worker", workerID).Logger()
}

func init() {
	Init(Config{Level: InfoLevel})
}
