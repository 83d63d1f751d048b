// Package logging builds the process-wide zap logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the logger's level, encoding and sinks.
type Options struct {
	// Level is one of debug, info, warn or error. Unknown values mean info.
	Level string
	// Format is "json" or "console".
	Format string
	// OutputPaths default to stderr.
	OutputPaths []string
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(name string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config returns the zap configuration for opts.
func Config(opts Options) zap.Config {
	console := strings.EqualFold(opts.Format, "console")

	var encoderConfig zapcore.EncoderConfig
	if console {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := opts.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(opts.Level)),
		Development:      console,
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if console {
		cfg.Encoding = "console"
	}
	return cfg
}

// New builds a logger for opts.
func New(opts Options) (*zap.Logger, error) {
	return Config(opts).Build()
}
