package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the optional rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

func Initialize(level slog.Level) {
	InitializeWithFile(level, FileOptions{})
}

// InitializeWithFile installs the default JSON logger. When opts.Path is set,
// records go to stdout and to a size-rotated file.
func InitializeWithFile(level slog.Level, opts FileOptions) {
	var out io.Writer = os.Stdout
	if opts.Path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))

	slog.SetDefault(logger)
}

// ParseLevel maps a config level name onto a slog level, defaulting to debug.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func Named(name string) *slog.Logger {
	logger := slog.Default()
	if logger == nil {
		return nil
	}

	return logger.With("name", name)
}
