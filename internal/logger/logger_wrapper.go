package logger

import (
	"os"
	"sync"
	"time"

	"github.com/calliope-edu/scratch-vm/sdk/contracts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements contracts.Logger on top of Uber's zap.
type ZapLogger struct {
	mu     sync.RWMutex
	logger *zap.Logger
	level  zap.AtomicLevel
}

// NewZapLogger creates a production JSON logger writing to stderr.
func NewZapLogger() contracts.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err := buildLogger(level, []string{"stderr"})
	if err != nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger, level: level}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() contracts.Logger {
	return &ZapLogger{logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// New wraps an existing zap logger.
func New(l *zap.Logger) contracts.Logger {
	level := zap.NewAtomicLevelAt(l.Level())
	return &ZapLogger{
		logger: l.WithOptions(zap.IncreaseLevel(level), zap.AddCallerSkip(1)),
		level:  level,
	}
}

func buildLogger(level zap.AtomicLevel, outputs []string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.OutputPaths = outputs
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	return cfg.Build(zap.AddCallerSkip(1))
}

// Info logs a message at the INFO level
func (z *ZapLogger) Info(msg string, fields ...contracts.Field) {
	z.current().Info(msg, toZap(fields)...)
}

// Error logs a message at the ERROR level
func (z *ZapLogger) Error(msg string, fields ...contracts.Field) {
	z.current().Error(msg, toZap(fields)...)
}

// Debug logs a message at the DEBUG level
func (z *ZapLogger) Debug(msg string, fields ...contracts.Field) {
	z.current().Debug(msg, toZap(fields)...)
}

// Warn logs a message at the WARN level
func (z *ZapLogger) Warn(msg string, fields ...contracts.Field) {
	z.current().Warn(msg, toZap(fields)...)
}

// Fatal logs a message at the FATAL level and terminates the application
func (z *ZapLogger) Fatal(msg string, fields ...contracts.Field) {
	z.current().Error(msg, toZap(fields)...)
	_ = z.current().Sync()
	os.Exit(1)
}

// Field returns a new field builder.
func (z *ZapLogger) Field() contracts.Field {
	return zapField{}
}

// SetLevel sets the logging level
func (z *ZapLogger) SetLevel(level contracts.LogLevel) {
	z.level.SetLevel(toZapLevel(level))
}

// SetDestination redirects output to the console or to a file. Failures keep the current destination.
func (z *ZapLogger) SetDestination(dest contracts.LogDestination, filePath ...string) {
	outputs := []string{"stderr"}
	if dest == contracts.FileLog {
		if len(filePath) == 0 || filePath[0] == "" {
			z.Warn("file log destination requested without a path")
			return
		}
		outputs = []string{filePath[0]}
	}

	l, err := buildLogger(z.level, outputs)
	if err != nil {
		z.Error("failed to change log destination", z.Field().Error("error", err))
		return
	}

	z.mu.Lock()
	old := z.logger
	z.logger = l
	z.mu.Unlock()
	_ = old.Sync()
}

func (z *ZapLogger) current() *zap.Logger {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.logger
}

func toZapLevel(level contracts.LogLevel) zapcore.Level {
	switch level {
	case contracts.DebugLevel:
		return zapcore.DebugLevel
	case contracts.WarnLevel:
		return zapcore.WarnLevel
	case contracts.ErrorLevel:
		return zapcore.ErrorLevel
	case contracts.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZap(fields []contracts.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if zf, ok := f.(zapField); ok && zf.field.Key != "" {
			out = append(out, zf.field)
		}
	}
	return out
}

// zapField implements contracts.Field
type zapField struct {
	field zap.Field
}

func (f zapField) Bool(key string, val bool) contracts.Field {
	return zapField{zap.Bool(key, val)}
}

func (f zapField) Int(key string, val int) contracts.Field {
	return zapField{zap.Int(key, val)}
}

func (f zapField) Float64(key string, val float64) contracts.Field {
	return zapField{zap.Float64(key, val)}
}

func (f zapField) String(key string, val string) contracts.Field {
	return zapField{zap.String(key, val)}
}

func (f zapField) Time(key string, val time.Time) contracts.Field {
	return zapField{zap.Time(key, val)}
}

func (f zapField) Duration(key string, val time.Duration) contracts.Field {
	return zapField{zap.Duration(key, val)}
}

func (f zapField) Int64(key string, val int64) contracts.Field {
	return zapField{zap.Int64(key, val)}
}

func (f zapField) Error(key string, val error) contracts.Field {
	return zapField{zap.NamedError(key, val)}
}

func (f zapField) Uint64(key string, val uint64) contracts.Field {
	return zapField{zap.Uint64(key, val)}
}

func (f zapField) Any(key string, val any) contracts.Field {
	return zapField{zap.Any(key, val)}
}
