// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level.
type Config struct {
	// Development switches to a colourised console encoder.
	Development bool `mapstructure:"development"`
	// Level is a zap level name such as "debug" or "warn". Empty keeps the
	// preset's default.
	Level string `mapstructure:"level"`
}

// ParseLevel returns the atomic level for name; an empty name yields
// fallback.
func ParseLevel(name string, fallback zapcore.Level) (zap.AtomicLevel, error) {
	if name == "" {
		return zap.NewAtomicLevelAt(fallback), nil
	}
	lvl, err := zap.ParseAtomicLevel(name)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("parse log level %q: %w", name, err)
	}
	return lvl, nil
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Development {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		lvl, err := ParseLevel(cfg.Level, zapcore.DebugLevel)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
		logger, err := zcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	zcfg.EncoderConfig.TimeKey = "ts"
	lvl, err := ParseLevel(cfg.Level, zapcore.InfoLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}
