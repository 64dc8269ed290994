// Package zaplog adapts a zap logger to the opensdg.Logger interface.
//
//	logger, _ := zap.NewProduction()
//	node, err := opensdg.Init(opensdg.NewConfig(
//	    opensdg.WithPrivateKey(key),
//	    opensdg.WithLogger(zaplog.New(logger)),
//	))
package zaplog

import (
	"github.com/andersop91/opensdg"
	"go.uber.org/zap"
)

// Logger forwards opensdg log calls to a zap SugaredLogger.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ opensdg.Logger = (*Logger)(nil)

// New wraps l. A nil l discards everything. Messages are logged under the
// "opensdg" logger name.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{sugar: l.Named("opensdg").Sugar()}
}

// NewDevelopment returns a Logger writing human-readable output at debug
// level to stderr.
func NewDevelopment() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return New(l), nil
}

// Debug implements opensdg.Logger.
func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info implements opensdg.Logger.
func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn implements opensdg.Logger.
func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error implements opensdg.Logger.
func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
