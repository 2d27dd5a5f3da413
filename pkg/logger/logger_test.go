package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestBuildConfig_Console(t *testing.T) {
	cfg := buildConfig(Options{Level: "debug", Service: "activation-api"})

	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	assert.Equal(t, "activation-api", cfg.InitialFields["service"])
}

func TestBuildConfig_JSONKeepsEveryLine(t *testing.T) {
	cfg := buildConfig(Options{Level: "warn", Format: FormatJSON})

	assert.Equal(t, "json", cfg.Encoding)
	assert.Nil(t, cfg.Sampling)
	assert.Equal(t, "ts", cfg.EncoderConfig.TimeKey)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())
	assert.Empty(t, cfg.InitialFields)
}

func TestBuildConfig_BadLevelFallsBackToInfo(t *testing.T) {
	cfg := buildConfig(Options{Level: "loud"})
	assert.Equal(t, zapcore.InfoLevel, cfg.Level.Level())
}

func TestNewZapLogger(t *testing.T) {
	l, err := NewZapLogger(Options{Level: "info", Format: FormatJSON, Service: "activation-api"})
	assert.NoError(t, err)
	assert.NotNil(t, l)
}
