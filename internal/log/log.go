// Package log wraps go.uber.org/zap with the one constructor the rest of
// the server needs: a level-aware logger selected from configuration. The
// stdlib `log` package is only used for the very first bootstrap lines of
// cmd/volcano, before a logger exists to report its own construction
// failure.
package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger. levelName is the `logging.level.root` config
// value; an unrecognised or empty value defaults to "info". development
// selects zap's human-readable console encoder instead of JSON, useful when
// running off a terminal.
func New(levelName string, development bool) (*zap.Logger, error) {
	level := parseLevel(levelName)

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	return cfg.Build()
}

func parseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "":
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}
