// Package logger builds the structured loggers used by tokenguard.
//
// Loggers are constructed once per invocation and passed down explicitly;
// nothing in this package holds process-wide state.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgerlanc/tokenguard/internal/constants"
)

// Options configures a logger.
type Options struct {
	// Verbose enables debug-level logging
	Verbose bool
	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer
	// JSON enables JSON-formatted output
	JSON bool
}

// New returns a logger for the given options. Without Verbose only errors
// are emitted.
func New(opts Options) *slog.Logger {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	level := slog.LevelError
	if opts.Verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(output, handlerOpts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OpenFile opens the debug log inside stateDir for appending. Hook commands
// log here because their stderr belongs to the host. The returned closer is
// never nil.
func OpenFile(stateDir string) (io.Writer, func() error, error) {
	if err := os.MkdirAll(stateDir, constants.DirMode); err != nil {
		return io.Discard, func() error { return nil }, err
	}
	path := filepath.Join(stateDir, constants.DebugLogFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, constants.StateFileMode)
	if err != nil {
		return io.Discard, func() error { return nil }, err
	}
	return f, f.Close, nil
}
