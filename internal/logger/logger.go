// Package logger provides the structured logger used across queuectl.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger logs messages with alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

type LogFormat string

const (
	JSONFormat LogFormat = "json"
	TextFormat LogFormat = "text"
)

type Config struct {
	Level  LogLevel
	Format LogFormat
	// Output defaults to stderr so command output on stdout stays clean.
	Output io.Writer
}

func DefaultConfig() Config {
	return Config{Level: InfoLevel, Format: TextFormat}
}

// ZapLogger is the zap-backed Logger.
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	cfg    Config
	level  zapcore.Level
}

func NewZapLogger(cfg Config) (*ZapLogger, error) {
	level, err := zapLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "" {
		cfg.Format = TextFormat
	}
	if _, err := ParseLogFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(cfg.Output), level)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: l, sugar: l.Sugar(), cfg: cfg, level: level}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *ZapLogger {
	l := zap.NewNop()
	return &ZapLogger{logger: l, sugar: l.Sugar(), cfg: DefaultConfig(), level: zapcore.InfoLevel}
}

func newEncoder(format LogFormat) zapcore.Encoder {
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
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == JSONFormat {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

func (l *ZapLogger) With(args ...any) Logger {
	sugar := l.sugar.With(args...)
	return &ZapLogger{logger: sugar.Desugar(), sugar: sugar, cfg: l.cfg, level: l.level}
}

// Tee returns a logger that also writes every entry to w, in the same
// format and level. Fields added with With before Tee are not copied to w.
func (l *ZapLogger) Tee(w io.Writer) *ZapLogger {
	extra := zapcore.NewCore(newEncoder(l.cfg.Format), zapcore.AddSync(w), l.level)
	tee := l.logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, extra)
	}))
	return &ZapLogger{logger: tee, sugar: tee.Sugar(), cfg: l.cfg, level: l.level}
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func zapLevel(level LogLevel) (zapcore.Level, error) {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel, nil
	case InfoLevel, "":
		return zapcore.InfoLevel, nil
	case WarnLevel:
		return zapcore.WarnLevel, nil
	case ErrorLevel:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return "", fmt.Errorf("invalid log level: %s", level)
	}
}

func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return JSONFormat, nil
	case "text", "console":
		return TextFormat, nil
	default:
		return "", fmt.Errorf("invalid log format: %s", format)
	}
}
