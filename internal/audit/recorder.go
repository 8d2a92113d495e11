package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// Recorder adapts a Store to domain.AuditRecorder. Store failures are
// logged and swallowed so an audit outage never fails the audited request.
type Recorder struct {
	store  Store
	logger *logrus.Logger
}

// NewRecorder wraps store. A nil store records nothing.
func NewRecorder(store Store, logger *logrus.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record persists event. It always returns nil.
func (r *Recorder) Record(ctx context.Context, event *domain.AuditEvent) error {
	if r == nil || r.store == nil || event == nil {
		return nil
	}
	if err := r.store.Record(ctx, event); err != nil {
		r.logger.WithFields(logrus.Fields{
			"action":     event.Action,
			"actor":      event.Actor,
			"patient_id": event.PatientID,
			"error":      err,
		}).Error("Failed to record audit event")
	}
	return nil
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}
