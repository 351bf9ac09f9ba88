package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// newHandler builds a JSON handler, or a colourised console handler for
// the text format
func newHandler(w io.Writer, level, format string) slog.Handler {
	lvl := parseLevel(level)
	if strings.ToLower(format) == "text" {
		return tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			AddSource:  lvl == slog.LevelDebug,
			TimeFormat: time.TimeOnly,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	})
}

func setupLogger(level, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format)).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
