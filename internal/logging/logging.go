// Package logging builds the process slog logger from configuration: JSON
// records at the configured level, written to stdout and a rotating file whose
// retention matches logging.retention_days.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eaglechat/eaglechat-server/internal/config"
)

// New builds the root logger. The returned closer flushes the file sink.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)

	fileSink := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDirectory, "eaglechat.log"),
		MaxSize:    50, // megabytes per file before rotation
		MaxAge:     cfg.RetentionDays,
		MaxBackups: 0, // retention is age-bound, not count-bound
		Compress:   true,
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, fileSink), &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler), fileSink, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
