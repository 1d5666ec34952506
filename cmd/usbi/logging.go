package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/config"
)

type logOptions struct {
	verbose     bool
	format      string // overrides cfg.Format when set
	interactive bool
	stderr      io.Writer
}

// newLogger builds the process logger from the log config. Without a log
// file, output goes to stderr unless the terminal UI owns the screen.
func newLogger(cfg config.LogConfig, opts logOptions) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if opts.verbose {
		level = slog.LevelDebug
	}

	format := cfg.Format
	if opts.format != "" {
		format = opts.format
	}

	var w io.Writer = opts.stderr
	closeFn := func() {}
	switch {
	case cfg.Path != "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	case opts.interactive:
		w = io.Discard
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		closeFn()
		return nil, nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}

	return slog.New(handler), closeFn, nil
}
