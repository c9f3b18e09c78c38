// Package log contains a leveled logging implementation on top of
// go.uber.org/zap.
package log

import (
	"errors"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface is subset of github.com/uber-common/bark.Logger methods.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	// With returns a child logger carrying key/value pairs on every
	// subsequent line, e.g. a per-connection correlation id.
	With(args ...interface{}) Logger
}

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

var stringToLevel = func() map[string]Level {
	var levels = []Level{DebugLevel, InfoLevel, WarnLevel, ErrorLevel, FatalLevel}
	res := make(map[string]Level, len(levels))
	for _, l := range levels {
		res[l.String()] = l
	}
	return res
}()

func LevelFromString(s string) (Level, error) {
	var err error
	l, ok := stringToLevel[s]
	if !ok {
		err = errors.New("invalid level " + s)
	}
	return l, err
}

// NewLoggerCore builds a Logger on top of an arbitrary zapcore.Core, so
// callers can point it at a lumberjack-rotated file, stderr, or a test sink.
func NewLoggerCore(core zapcore.Core) Logger {
	return &logger{z: zap.New(core, zap.AddCallerSkip(1))}
}

// NewLogger writes JSON lines at level l to sink. It does not rotate sink
// itself; any rotation is done by sink.
func NewLogger(l Level, sink zapcore.WriteSyncer) Logger {
	cfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), sink, l.zapLevel())
	return NewLoggerCore(core)
}

// NewDevelopment returns a Logger suitable for tests: human-readable console
// output on stderr.
func NewDevelopment(l Level) Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), l.zapLevel())
	return NewLoggerCore(core)
}

// logger adapts zap's structured API to the sprint-style Logger interface
// used throughout conn.go/binprot for ad-hoc messages.
type logger struct {
	z *zap.Logger
}

func (l *logger) With(args ...interface{}) Logger {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return &logger{z: l.z.With(fields...)}
}

func (l *logger) Debug(args ...interface{})                 { l.z.Sugar().Debug(args...) }
func (l *logger) Debugf(format string, args ...interface{}) { l.z.Sugar().Debugf(format, args...) }
func (l *logger) Info(args ...interface{})                  { l.z.Sugar().Info(args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.z.Sugar().Infof(format, args...) }
func (l *logger) Warn(args ...interface{})                  { l.z.Sugar().Warn(args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.z.Sugar().Warnf(format, args...) }
func (l *logger) Error(args ...interface{})                 { l.z.Sugar().Error(args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.z.Sugar().Errorf(format, args...) }
func (l *logger) Panic(args ...interface{})                 { l.z.Sugar().Panic(args...) }
func (l *logger) Panicf(format string, args ...interface{}) { l.z.Sugar().Panicf(format, args...) }
func (l *logger) Fatal(args ...interface{})                 { l.z.Sugar().Fatal(args...) }
func (l *logger) Fatalf(format string, args ...interface{}) { l.z.Sugar().Fatalf(format, args...) }
