// Package log implements structured logging using slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/ramrod/internal/config"
)

var (
	mu       sync.Mutex
	level    = new(slog.LevelVar)
	rotating *lumberjack.Logger
)

// Init initializes the global logger based on configuration.
func Init(cfg config.LogConfig) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	// stdout is always included.
	writers := []io.Writer{os.Stdout}

	var file *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		file, err = createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, file)
	}

	handler, err := newHandler(io.MultiWriter(writers...), cfg.Format, level)
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return err
	}

	mu.Lock()
	old := rotating
	rotating = file
	level.Set(lvl)
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// SetLevel changes the level of the global logger in place.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	level.Set(lvl)
	return nil
}

// Level returns the current global level.
func Level() slog.Level {
	return level.Level()
}

// Flush closes the rotating file writer, if any.
func Flush() error {
	mu.Lock()
	defer mu.Unlock()
	if rotating == nil {
		return nil
	}
	err := rotating.Close()
	rotating = nil
	return err
}

func newHandler(w io.Writer, format string, lvl slog.Leveler) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
