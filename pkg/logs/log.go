package logs

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "ts",
	LevelKey:       "level",
	NameKey:        "logger",
	MessageKey:     "msg",
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
}

var log *zap.Logger
var logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

func init() {
	ws, _, err := zap.Open("stdout")
	if err != nil {
		panic(err)
	}

	log = zap.New(
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			ws,
			logLevel,
		),
	)
}

// GetLogger returns the process-wide structured logger used by every
// subsystem in this module.
func GetLogger() *zap.Logger {
	return log
}

func SetLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// Config describes the runtime-tunable parts of the logger. It is decoded
// from YAML by pkg/config and applied once at startup.
type Config struct {
	Level       string   `yaml:"level" validate:"required,oneof=debug info warn error"`
	OutputPaths []string `yaml:"outputPaths" validate:"required,min=1"`
}

func (c Config) Default() *Config {
	return &Config{
		Level:       "info",
		OutputPaths: []string{"stdout"},
	}
}

// Replace swaps the globally available logger. It must be called before any
// subsystem goroutine starts, to avoid racing on the package-level logger.
func Replace(config *Config) error {
	ws, _, err := zap.Open(config.OutputPaths...)
	if err != nil {
		return err
	}

	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		return errors.Wrapf(err, "failed to parse log level '%s'", config.Level)
	}

	log = zap.New(
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			ws,
			logLevel,
		),
	)
	return nil
}
