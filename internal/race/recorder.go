package race

import (
	"context"

	"go.uber.org/zap"

	"github.com/joescharf/enroll/internal/enrollerr"
	"github.com/joescharf/enroll/internal/models"
)

// AttemptStore persists attempt records.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, a *models.Attempt) error
}

// Recorder is a Sink that stores every result as an attempt row of one
// race. System events are ignored. Store failures are logged and dropped.
type Recorder struct {
	store  AttemptStore
	raceID string
	logger *zap.Logger
}

// NewRecorder returns a Recorder writing attempts for raceID.
func NewRecorder(store AttemptStore, raceID string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, raceID: raceID, logger: logger}
}

func (r *Recorder) Result(res Result) {
	a := &models.Attempt{
		RaceID:     r.raceID,
		Round:      res.Round,
		Endpoint:   res.Endpoint,
		PublicCode: res.PublicCode,
		Handle:     res.Handle,
		Succeeded:  res.Succeeded,
		Message:    res.Message,
		CreatedAt:  res.At,
	}
	if res.Err != nil {
		a.ErrorKind = enrollerr.KindOf(res.Err).String()
	}
	if err := r.store.RecordAttempt(context.Background(), a); err != nil {
		r.logger.Warn("record attempt", zap.String("code", res.PublicCode), zap.Error(err))
	}
}

func (r *Recorder) System(SystemEvent) {}
