package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	assert.True(t, NewLogger("debug").Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.False(t, NewLogger("warn").Desugar().Core().Enabled(zapcore.InfoLevel))

	fallback := NewLogger("not-a-level").Desugar().Core()
	assert.True(t, fallback.Enabled(zapcore.InfoLevel))
	assert.False(t, fallback.Enabled(zapcore.DebugLevel))
}

func TestNop(t *testing.T) {
	l := Nop()
	assert.NotPanics(t, func() { l.Infow("ignored", "key", "value") })
}
