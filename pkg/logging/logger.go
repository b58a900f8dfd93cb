// Package logging provides structured logging using Zap with an OpenTelemetry bridge
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"copy_trader/internal/core"
)

// ZapLogger implements core.Logger on top of zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a logger at the given level. Output goes to stdout
// through the console encoder and is mirrored to the OTel log bridge.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	var zapLevel zapcore.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		zapLevel = zap.DebugLevel
	case "INFO":
		zapLevel = zap.InfoLevel
	case "WARN":
		zapLevel = zap.WarnLevel
	case "ERROR":
		zapLevel = zap.ErrorLevel
	case "FATAL":
		zapLevel = zap.FatalLevel
	default:
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	otelCore := otelzap.NewCore("copy_trader", otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	combined := zapcore.NewTee(consoleCore, otelCore)

	return &ZapLogger{
		logger: zap.New(combined, zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// NewNop returns a logger that discards everything. Useful in tests.
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

func (l *ZapLogger) fields(kv []interface{}) []zap.Field {
	zf := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		zf = append(zf, zap.Any(key, kv[i+1]))
	}
	return zf
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, l.fields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, l.fields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, l.fields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, l.fields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, l.fields(kv)...) }

// WithField returns a logger that attaches the field to every entry.
func (l *ZapLogger) WithField(key string, value interface{}) core.Logger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}
