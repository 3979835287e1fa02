// Package logging builds the CLI's structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where and how much to log.
type Options struct {
	Level slog.Level
	// File, when set, receives logs through a size-rotated writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New returns a JSON logger and a closer for its output. Without a file the
// logger writes to stderr and the closer is a no-op.
func New(opts Options) (*slog.Logger, io.Closer) {
	var w io.WriteCloser = nopCloser{os.Stderr}
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	return slog.New(h), w
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
