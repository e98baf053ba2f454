// Package logging constructs the process-wide structured logger used by
// every component. It is threaded through constructors rather than
// referenced as a package global, per the engine's context-object
// design (spec §9: "global singletons ... model as explicit context
// objects").
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger writing human-readable console output
// at the given level ("debug", "info", "warn", "error"; unrecognized
// values fall back to "info").
func New(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl := zapcore.InfoLevel
	if err := (&lvl).UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		// Build only fails on encoder/sink misconfiguration, which
		// cannot happen with the static config above.
		panic(err)
	}
	return logger.Sugar()
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
