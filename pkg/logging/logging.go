// Package logging builds the structured zap loggers used across trail.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the encoder.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// New creates a logger writing to stderr.
func New(level Level, format Format) (*zap.Logger, error) {
	return NewWithOutput(level, format, os.Stderr)
}

// NewWithOutput creates a logger writing to w.
func NewWithOutput(level Level, format Format, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(string(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var enc zapcore.Encoder
	switch format {
	case FormatJSON, "":
		enc = zapcore.NewJSONEncoder(encCfg)
	case FormatText:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) func() {
	return zap.ReplaceGlobals(l)
}

// L returns the global logger.
func L() *zap.Logger {
	return zap.L()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
