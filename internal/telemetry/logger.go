// Package telemetry wraps zap behind a narrow interface so call sites
// never import zap directly.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging surface used throughout the engine.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
	With(kv ...any) Logger
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a Logger. In "development" environments it logs human-readable
// console output to stderr; otherwise it logs JSON, rotated through
// lumberjack at logPath.
func New(environment, logPath string) Logger {
	var core zap.Config
	if environment == "development" {
		core = zap.NewDevelopmentConfig()
		l, err := core.Build(zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
		return &zapLogger{s: l.Sugar()}
	}

	w := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	zcore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zap.InfoLevel)
	l := zap.New(zcore, zap.AddCallerSkip(1))
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debugw(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
func (z *zapLogger) Sync() error                  { return z.s.Sync() }

func (z *zapLogger) With(kv ...any) Logger {
	return &zapLogger{s: z.s.With(kv...)}
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}
