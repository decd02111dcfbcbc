package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init builds the process logger, installs it as the slog default and
// returns it.
func Init(level, format, instance string) (*slog.Logger, error) {
	logger, err := New(os.Stdout, level, format, instance)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func New(w io.Writer, level, format, instance string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	handler = newRedactingHandler(handler)
	logger := slog.New(handler)
	if instance != "" {
		logger = logger.With("instance", instance)
	}
	return logger, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}
