package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// RotationConfig describes a rotating log file. A zero value means console
// only.
type RotationConfig struct {
	File       string
	Level      string
	MaxSize    int // MB
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// SetupRotation builds the process logger. With a file configured it writes
// to both console and a size-rotated file; otherwise console only.
func SetupRotation(rc RotationConfig) *slog.Logger {
	var writer io.Writer = os.Stdout

	if rc.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   rc.File,
			MaxSize:    rc.MaxSize,
			MaxBackups: rc.MaxBackups,
			MaxAge:     rc.MaxAge,
			Compress:   rc.Compress,
		}
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	processLeveler.SetLevel(ParseLevel(rc.Level))
	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: processLeveler,
	})

	return slog.New(WrapHandler(handler))
}
