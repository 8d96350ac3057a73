package race

import (
	"go.uber.org/zap"

	"github.com/joescharf/enroll/internal/enrollerr"
)

// LogSink writes both streams to a zap logger, results under "result" and
// system events under "system".
type LogSink struct {
	results *zap.Logger
	system  *zap.Logger
}

// NewLogSink creates a LogSink. A nil logger discards everything.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{
		results: logger.Named("result"),
		system:  logger.Named("system"),
	}
}

func (l *LogSink) Result(r Result) {
	fields := []zap.Field{
		zap.Int("round", r.Round),
		zap.String("endpoint", r.Endpoint),
		zap.String("code", r.PublicCode),
		zap.String("handle", r.Handle),
		zap.Bool("succeeded", r.Succeeded),
		zap.String("message", r.Message),
	}
	if r.Err != nil {
		fields = append(fields, zap.String("kind", enrollerr.KindOf(r.Err).String()), zap.Error(r.Err))
		l.results.Warn(r.String(), fields...)
		return
	}
	l.results.Info(r.String(), fields...)
}

func (l *LogSink) System(e SystemEvent) {
	if ce := l.system.Check(e.Level, e.Message); ce != nil {
		ce.Write()
	}
}
