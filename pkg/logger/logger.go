package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Options struct {
	Level string
	// Format is "console" for local runs or "json" for log shippers.
	Format  string
	Service string
}

func NewZapLogger(opts Options) (*zap.Logger, error) {
	cfg := buildConfig(opts)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func buildConfig(opts Options) zap.Config {
	logLevel, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		logLevel = zapcore.InfoLevel
		log.Printf("Invalid log level '%s', using default 'info'\n", opts.Level)
	}

	var cfg zap.Config
	switch opts.Format {
	case FormatJSON:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		// Settlement and redemption lines are audit records; never drop them.
		cfg.Sampling = nil
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if opts.Service != "" {
		cfg.InitialFields = map[string]interface{}{"service": opts.Service}
	}
	return cfg
}
