// Package logging builds the structured logger used across the Server and
// Client engines.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel is the environment variable consulted by New when no explicit
// level is given.
const EnvLevel = "TUNNEL_LOG_LEVEL"

// New builds a *zap.Logger for the given component name ("server" or
// "client", typically). level is one of "debug", "info", "warn", "error";
// an empty string falls back to EnvLevel, defaulting to "info" if that is
// unset too.
//
// At "debug" the logger uses zap's development console encoder, since that
// is the level a human is actively watching. Every other level uses the
// production JSON encoder, since info-and-above output is the kind that
// gets shipped to a log aggregator rather than read directly off a
// terminal.
func New(component string, level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	if level == "" {
		level = "info"
	}

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, err
	}

	var cfg zap.Config
	if zapLevel == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(component), nil
}

// NewNop returns a logger that discards everything, for use in tests that
// don't want log output cluttering test runs but still need to pass a
// *zap.Logger to production code.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
