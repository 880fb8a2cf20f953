// Package logger builds the process-wide zap logger: colored console output
// in development, JSON in production.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(environment string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if environment == "PRODUCTION" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

// Named tags a child logger with the component it belongs to.
func Named(base *zap.SugaredLogger, component string) *zap.SugaredLogger {
	return base.With("component", component)
}
