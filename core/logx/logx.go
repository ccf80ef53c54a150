package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the engine logger. Output is structured JSON on stderr so it can
// never interleave with evidence written to stdout-adjacent files. Fields
// logged by the engine are hashes, counts, and identifiers only.
func New(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

// Nop returns a no-op logger for tests and library callers that do not care.
func Nop() *zap.Logger {
	return zap.NewNop()
}
