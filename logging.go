package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const logFilePrefix = "newsletter_sending_"

// LogFileName is the name of the log file for the day containing t.
func LogFileName(t time.Time) string {
	return logFilePrefix + t.Format("20060102") + ".log"
}

// NewLogger opens (appending) today's log file in config.LogDir and returns
// a logger writing to it, and to the terminal too with --log-console. Every
// record carries the run id. The caller closes the returned Closer.
func NewLogger(config Config, now time.Time) (*slog.Logger, io.Closer, error) {
	path := filepath.Join(config.LogDir, LogFileName(now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open log file %s", path)
	}

	level := convertLevel(config.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if config.LogFormat == "json" {
		handler = slog.NewJSONHandler(f, opts)
	} else {
		handler = slog.NewTextHandler(f, opts)
	}

	if config.LogConsole {
		handler = newMultiHandler(handler, devslog.NewHandler(os.Stderr, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				Level: level,
			},
			MaxErrorStackTrace: 40,
			SortKeys:           true,
			TimeFormat:         "[15:04:05]",
			DebugColor:         devslog.Magenta,
			StringerFormatter:  true,
		}))
	}

	logger := slog.New(handler).With("run_id", uuid.NewString())
	return logger, f, nil
}

func convertLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// withErr attaches err, and its stack trace if it has one, to l.
func withErr(l *slog.Logger, err error) *slog.Logger {
	var stackTracer interface {
		StackTrace() errors.StackTrace
	}
	if errors.As(err, &stackTracer) {
		l = l.With("stack", stackTracer.StackTrace())
	}
	return l.With("error", err.Error())
}

// multiHandler forwards log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, rec.Level) {
			if err := handler.Handle(ctx, rec.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return newMultiHandler(handlers...)
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return newMultiHandler(handlers...)
}
