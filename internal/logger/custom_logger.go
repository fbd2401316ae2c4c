package logger

import "go.uber.org/zap"

// CustomLogger is a component logger carrying fixed key/value pairs.
type CustomLogger struct {
	sugaredZapLogger *zap.SugaredLogger
}

// NewCustomLogger binds to the global logger at call time, so create component
// loggers after Init.
func NewCustomLogger() *CustomLogger {
	return &CustomLogger{
		sugaredZapLogger: SugaredZapLogger,
	}
}

// FromZap wraps an existing zap logger, mostly for tests using zaptest/observer.
func FromZap(l *zap.Logger) *CustomLogger {
	return &CustomLogger{sugaredZapLogger: l.Sugar()}
}

// With returns a child logger, the receiver is left untouched.
func (l *CustomLogger) With(args ...interface{}) *CustomLogger {
	return &CustomLogger{sugaredZapLogger: l.sugaredZapLogger.With(args...)}
}

func (l *CustomLogger) Debugf(template string, args ...interface{}) {
	l.sugaredZapLogger.Debugf(template, args...)
}

func (l *CustomLogger) Infof(template string, args ...interface{}) {
	l.sugaredZapLogger.Infof(template, args...)
}

func (l *CustomLogger) Warnf(template string, args ...interface{}) {
	l.sugaredZapLogger.Warnf(template, args...)
}

func (l *CustomLogger) Errorf(template string, args ...interface{}) {
	l.sugaredZapLogger.Errorf(template, args...)
}
