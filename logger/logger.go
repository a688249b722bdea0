package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"envmonitor/target"
)

// Logger holds both the raw zap.Logger and its sugared counterpart.
type Logger struct {
	*zap.Logger
	*zap.SugaredLogger
}

// New creates a JSON logger writing to stdout at the given level.
// Accepted levels (case-insensitive): "debug", "info", "warn", "error".
func New(level string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stdout)),
		zapLevel,
	)

	zapLogger := zap.New(core, zap.AddCaller())
	return &Logger{
		Logger:        zapLogger,
		SugaredLogger: zapLogger.Sugar(),
	}, nil
}

type loggerKey struct{}

// FromContext extracts a *zap.Logger stored in ctx, or the fallback.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// WithContext returns a context that carries l.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithTarget returns a child logger tagged with the target identity.
func WithTarget(l *zap.Logger, t target.Target) *zap.Logger {
	return l.With(
		zap.String("serverCode", t.ServerCode),
		zap.String("memberClass", t.MemberClass),
		zap.String("memberCode", t.MemberCode),
		zap.String("address", t.Address),
	)
}

// WithCycle returns a child logger tagged with a cycle identifier.
func WithCycle(l *zap.Logger, cycleID string) *zap.Logger {
	return l.With(zap.String("cycle", cycleID))
}

// Flush forces any buffered log entries to be written. Call it from main
// just before the program exits.
func Flush(l *zap.Logger) {
	// Sync on a stdout core fails with "invalid argument" on some platforms.
	_ = l.Sync()
}
