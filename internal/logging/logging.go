// Package logging builds the zap loggers used by the CLI.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	ProductionMode  = "production"
	DevelopmentMode = "development"
	// QuietMode discards every entry.
	QuietMode = "quiet"
)

// New returns a JSON logger with ISO8601 timestamps in production mode and a
// colored console logger otherwise.
func New(mode string) (*zap.Logger, error) {
	var config zap.Config
	switch mode {
	case QuietMode:
		return zap.NewNop(), nil
	case ProductionMode:
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	// stdout belongs to command output
	config.OutputPaths = []string{"stderr"}
	return config.Build()
}

// Must is New for callers that cannot continue without a logger.
func Must(mode string) *zap.Logger {
	l, err := New(mode)
	if err != nil {
		panic(err)
	}
	return l
}
