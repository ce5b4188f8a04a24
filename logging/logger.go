// Package logging builds the zap loggers shared by every component of a node.
package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger configuration defaults.
const (
	DefaultLevel      = "info"
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 10
	DefaultMaxAgeDays = 30
)

// Config holds logger configuration.
type Config struct {
	Level string `mapstructure:"level"`
	// Format is "json" (default) or "console".
	Format string `mapstructure:"format"`

	// File enables rotating file output instead of stdout.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`

	// Sampling keeps the first 100 entries per second and every tenth after.
	Sampling bool `mapstructure:"sampling"`

	NodeID string `mapstructure:"-"`
}

// DefaultConfig returns JSON logging to stdout at info level.
func DefaultConfig() Config {
	return Config{
		Level:      DefaultLevel,
		Format:     "json",
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAgeDays: DefaultMaxAgeDays,
		Compress:   true,
	}
}

// New builds a logger from cfg. The returned func flushes and closes the
// output and must be called on shutdown.
func New(cfg Config) (*zap.Logger, func(), error) {
	if cfg.Level == "" {
		cfg.Level = DefaultLevel
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	closeOutput := func() error { return nil }
	if cfg.File != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: orDefault(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     orDefault(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		sink = zapcore.AddSync(writer)
		closeOutput = writer.Close
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	if cfg.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if cfg.NodeID != "" {
		logger = logger.With(zap.String("node_id", cfg.NodeID))
	}

	cleanup := func() {
		_ = logger.Sync()
		_ = closeOutput()
	}
	return logger, cleanup, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
