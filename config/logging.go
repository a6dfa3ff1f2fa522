package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger returns a logger writing text to stderr and, when a log file
// is configured, JSON to a rotating file. The cleanup closes the file.
func SetupLogger(cfg LogConfig) (*slog.Logger, func() error) {
	return setupLogger(os.Stderr, cfg)
}

func setupLogger(stderr io.Writer, cfg LogConfig) (*slog.Logger, func() error) {
	if cfg.File == "" {
		return newLogger(stderr, nil, ParseLevel(cfg.Level)), func() error { return nil }
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	return newLogger(stderr, rotator, ParseLevel(cfg.Level)), rotator.Close
}

// newLogger writes text to stderr and, when file is set, JSON to file.
func newLogger(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	if file == nil {
		return slog.New(stderrHandler)
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
