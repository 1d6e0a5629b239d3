// Package rlog wires the runner's components to a shared structured
// logger, keeping the same terse, present-tense phrasing across every
// component's log lines.
package rlog

import (
	"go.uber.org/zap"
)

// New builds a *zap.SugaredLogger for production use: JSON encoding,
// epoch-seconds timestamps, info level by default.
func New(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
