package audit

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immunolab/immunolab-server/internal/domain"
)

type failingStore struct{ Store }

func (failingStore) Record(context.Context, *domain.AuditEvent) error {
	return errors.New("disk full")
}

func TestRecorder_SwallowsStoreErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()

	r := NewRecorder(failingStore{}, logger)
	err := r.Record(context.Background(), &domain.AuditEvent{Action: domain.AuditResultRecorded, PatientID: "p1"})
	assert.NoError(t, err)

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "p1", hook.LastEntry().Data["patient_id"])
}

func TestRecorder_Writes(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := NewRecorder(store, logger)

	require.NoError(t, r.Record(context.Background(), &domain.AuditEvent{Action: domain.AuditPatientRegistered}))
	n, err := r.Store().Count(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecorder_NilStore(t *testing.T) {
	r := NewRecorder(nil, logrus.New())
	assert.NoError(t, r.Record(context.Background(), &domain.AuditEvent{}))
}
