// Package logging provides the structured logger used by the CLI.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger wraps slog.Logger with helpers for conversion runs.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to w. format is "text" or "json".
func New(w io.Writer, format string, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithRun tags every record with the run id.
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{Logger: l.Logger.With("run", id)}
}

// LogRead logs loading of the raw network.
func (l *Logger) LogRead(path string, size int64, elapsed time.Duration) {
	l.Info("loaded raw network",
		"path", path,
		"size", humanize.IBytes(uint64(size)),
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

// LogWrite logs the quantised output.
func (l *Logger) LogWrite(path string, written, padding int64, elapsed time.Duration) {
	l.Info("wrote quantised network",
		"path", path,
		"size", humanize.IBytes(uint64(written)),
		"bytes", written,
		"padding", padding,
		"elapsed", elapsed.Round(time.Millisecond),
	)
}
