package wa

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger routes whatsmeow's internal logging into zap.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger adapts a zap logger to whatsmeow's logging interface.
func NewLogger(l *zap.Logger) waLog.Logger {
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Warnf(msg string, args ...any)  { z.s.Warnf(msg, args...) }
func (z *zapLogger) Errorf(msg string, args ...any) { z.s.Errorf(msg, args...) }
func (z *zapLogger) Infof(msg string, args ...any)  { z.s.Infof(msg, args...) }
func (z *zapLogger) Debugf(msg string, args ...any) { z.s.Debugf(msg, args...) }

func (z *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{s: z.s.Named(module)}
}
