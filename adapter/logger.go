package adapter

import (
	"go.uber.org/zap"

	"github.com/eclaire-labs/jobqueue"
)

// zapLogger adapts a zap logger to the queue's Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Printf(format string, v ...interface{}) {
	l.s.Infof(format, v...)
}

// NewZapLogger wraps a zap logger for use as a jobqueue.Logger.
func NewZapLogger(l *zap.Logger) jobqueue.Logger {
	return zapLogger{s: l.Sugar()}
}
