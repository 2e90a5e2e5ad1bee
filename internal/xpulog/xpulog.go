// Package xpulog sets up this process's structured logger: JSON records
// via log/slog, written through a rotating file per
// gopkg.in/natefinch/lumberjack.v2 so a long-lived per-container daemon
// doesn't grow its log file unbounded.
package xpulog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Path is the log file; empty means os.Stderr and no rotation.
	Path string

	// MaxSizeMB, MaxBackups, MaxAgeDays follow lumberjack's fields
	// directly. A zero MaxSizeMB defaults to 5 and a zero MaxBackups to
	// 10 (5 MB × 10 files); a zero MaxAgeDays takes lumberjack's own
	// default.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Level slog.Level
}

// New builds the process-wide logger and, as a side effect, also
// installs it as slog's default so library code using slog's package
// level functions is captured too.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.Path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 5
		}
		maxBackups := opts.MaxBackups
		if maxBackups == 0 {
			maxBackups = 10
		}
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
