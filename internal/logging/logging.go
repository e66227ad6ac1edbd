// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level and optional rotating file output.
type Config struct {
	Level         string `json:"level" yaml:"level"`
	File          string `json:"file" yaml:"file"`
	MaxSizeMB     int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxDays       int    `json:"max_days" yaml:"max_days"`
	MaxBackups    int    `json:"max_backups" yaml:"max_backups"`
	Compress      bool   `json:"compress" yaml:"compress"`
	IncludeSource bool   `json:"include_source" yaml:"include_source"`
}

// New builds a JSON logger writing to w and, when cfg.File is set, to a
// rotating file. The returned closer releases the file.
func New(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.IncludeSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, _ := a.Value.Any().(*slog.Source); source != nil {
					source.File = filepath.Base(source.File)
					source.Function = strings.TrimPrefix(source.Function, "github.com/zach-source/gradtracer/")
				}
			}
			return a
		},
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		target := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(w, target)
		closer = target
	}

	return slog.New(slog.NewJSONHandler(w, opts)), closer
}

// Init builds a logger with New and installs it as the slog default.
func Init(cfg Config, w io.Writer) (*slog.Logger, io.Closer) {
	logger, closer := New(cfg, w)
	slog.SetDefault(logger)
	return logger, closer
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
