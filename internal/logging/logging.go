// Package logging builds the process logger.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ggoodman/meetingscribe/internal/logctx"
)

// Config selects the level, format and destination. Environment "prod"
// logs JSON; anything else logs text.
type Config struct {
	Level       string
	Environment string
	WithSource  bool

	// File, when set, is written through a rotating writer instead of
	// stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a logger and a Closer for its destination. The returned
// handler is wrapped in logctx.Handler so request, meeting and participant
// data on the context is attached to every record.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	if cfg.File == "" {
		l, err := NewWithWriter(cfg, os.Stdout)
		return l, nopCloser{}, err
	}

	w := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 10),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   true,
	}
	l, err := NewWithWriter(cfg, w)
	if err != nil {
		return nil, nil, err
	}
	return l, w, nil
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := levelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl, AddSource: cfg.WithSource}
	var h slog.Handler
	if strings.EqualFold(cfg.Environment, "prod") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func levelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + level)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
