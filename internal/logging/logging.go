package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

type Options struct {
	// Level is one of debug, info, warn, error; empty means info.
	Level string
	// FilePath enables a rotating file sink next to the console sink.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds the process logger: JSON to stderr, plus an optional rotating
// file sink.
func New(opts Options) *zap.Logger {
	level := parseLevel(opts.Level)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stderr), level),
	}
	if opts.FilePath != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = defaultMaxSizeMB
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = defaultMaxBackups
		}
		if opts.MaxAgeDays <= 0 {
			opts.MaxAgeDays = defaultMaxAgeDays
		}
		sink := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), level))
	}
	return zap.New(zapcore.NewTee(cores...))
}
