package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/internal/memstore"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, event *domain.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(patientID string, event any) {
	m.Called(patientID, event)
}

type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) Invalidate(ctx context.Context, category string) {
	m.Called(ctx, category)
}

type fixture struct {
	svc         *LabService
	store       *memstore.Store
	audit       *MockRecorder
	publisher   *MockPublisher
	invalidator *MockInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memstore.New()
	f := &fixture{
		store:       store,
		audit:       &MockRecorder{},
		publisher:   &MockPublisher{},
		invalidator: &MockInvalidator{},
	}
	f.audit.On("Record", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.publisher.On("Publish", mock.Anything, mock.Anything).Maybe()
	f.invalidator.On("Invalidate", mock.Anything, mock.Anything).Maybe()

	f.svc = NewLabService(Options{
		Patients:    store.Patients(),
		Guidelines:  store.Guidelines(),
		Results:     store.Results(),
		Invalidator: f.invalidator,
		Audit:       f.audit,
		Publisher:   f.publisher,
		Logger:      logger,
	})
	f.svc.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func whoIgA() domain.Guideline {
	return domain.Guideline{
		Name:     "WHO",
		Category: "IgA",
		References: []domain.ReferenceInterval{
			{AgeGroup: "10+", MinValue: 0.7, MaxValue: 4.0},
			{AgeGroup: "0-5", MinValue: 0.2, MaxValue: 1.0},
			{AgeGroup: "6-9", MinValue: 0.5, MaxValue: 1.5},
		},
	}
}

func (f *fixture) registerPatient(t *testing.T) *domain.Patient {
	t.Helper()
	p := &domain.Patient{
		FirstName: " Ana ",
		LastName:  "Petrova",
		IDNumber:  "12345678901",
		BirthDate: time.Date(2016, 5, 20, 15, 30, 0, 0, time.UTC),
		Gender:    domain.GenderFemale,
	}
	require.NoError(t, f.svc.RegisterPatient(context.Background(), p))
	return p
}

func TestRegisterPatient(t *testing.T) {
	f := newFixture(t)
	ctx := domain.WithPrincipal(context.Background(), domain.Principal{Subject: "admin-1", Role: domain.RoleAdmin})

	p := &domain.Patient{
		FirstName: " Ana ",
		LastName:  "Petrova",
		IDNumber:  "1",
		BirthDate: time.Date(2016, 5, 20, 15, 30, 0, 0, time.UTC),
		Gender:    domain.GenderFemale,
	}
	require.NoError(t, f.svc.RegisterPatient(ctx, p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Ana", p.FirstName)
	assert.Equal(t, time.Date(2016, 5, 20, 0, 0, 0, 0, time.UTC), p.BirthDate)

	f.audit.AssertCalled(t, "Record", mock.Anything, mock.MatchedBy(func(ev *domain.AuditEvent) bool {
		return ev.Action == domain.AuditPatientRegistered && ev.Actor == "admin-1" && ev.PatientID == p.ID
	}))

	dup := *p
	dup.ID = ""
	assert.ErrorIs(t, f.svc.RegisterPatient(ctx, &dup), domain.ErrConflict)

	var verr *domain.ValidationError
	err := f.svc.RegisterPatient(ctx, &domain.Patient{FirstName: "A", LastName: "B", IDNumber: "2", BirthDate: p.BirthDate})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "gender", verr.Field)

	err = f.svc.RegisterPatient(ctx, &domain.Patient{
		FirstName: "A", LastName: "B", IDNumber: "3", Gender: domain.GenderMale,
		BirthDate: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "birthDate", verr.Field)
}

func TestRegisterPatientRejectsBlankNames(t *testing.T) {
	f := newFixture(t)
	var verr *domain.ValidationError
	err := f.svc.RegisterPatient(context.Background(), &domain.Patient{
		FirstName: "   ", LastName: "B", IDNumber: "9", Gender: domain.GenderMale,
		BirthDate: time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "firstName", verr.Field)
}

func TestUpdatePatient(t *testing.T) {
	f := newFixture(t)
	p := f.registerPatient(t)
	ctx := domain.WithPrincipal(context.Background(), domain.Principal{Subject: "user-7", Role: domain.RolePatient, PatientID: p.ID})

	first, phone := " Anna ", "+359 88 123"
	updated, err := f.svc.UpdatePatient(ctx, p.ID, domain.PatientUpdate{FirstName: &first, Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "Anna", updated.FirstName)
	assert.Equal(t, "Petrova", updated.LastName)
	assert.Equal(t, "+359 88 123", updated.Phone)

	stored, err := f.svc.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anna Petrova", stored.FullName())
	assert.Equal(t, p.IDNumber, stored.IDNumber)

	f.audit.AssertCalled(t, "Record", mock.Anything, mock.MatchedBy(func(ev *domain.AuditEvent) bool {
		return ev.Action == domain.AuditPatientUpdated && ev.PatientID == p.ID && ev.Detail == "firstName,phone"
	}))

	var verr *domain.ValidationError
	_, err = f.svc.UpdatePatient(ctx, p.ID, domain.PatientUpdate{})
	require.ErrorAs(t, err, &verr)

	blank := " "
	_, err = f.svc.UpdatePatient(ctx, p.ID, domain.PatientUpdate{LastName: &blank})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "lastName", verr.Field)
	stored, _ = f.svc.GetPatient(ctx, p.ID)
	assert.Equal(t, "Petrova", stored.LastName)

	_, err = f.svc.UpdatePatient(ctx, "missing", domain.PatientUpdate{Phone: &phone})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSearchPatients(t *testing.T) {
	f := newFixture(t)
	f.registerPatient(t)

	page, err := f.svc.SearchPatients(context.Background(), " petr ", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, defaultPageSize, page.Limit)
	assert.Equal(t, 0, page.Offset)
	require.Len(t, page.Patients, 1)

	page, err = f.svc.SearchPatients(context.Background(), "nobody", 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, page.Limit)
	assert.NotNil(t, page.Patients)
	assert.Empty(t, page.Patients)
}

func TestSaveGuideline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.svc.SaveGuideline(ctx, whoIgA())
	require.NoError(t, err)
	assert.True(t, report.Valid())
	f.invalidator.AssertCalled(t, "Invalidate", mock.Anything, "IgA")

	doc, err := f.svc.ListGuidelines(ctx, "IgA")
	require.NoError(t, err)
	require.Len(t, doc.Guidelines, 1)
	labels := []string{}
	for _, r := range doc.Guidelines[0].References {
		labels = append(labels, r.AgeGroup)
	}
	assert.Equal(t, []string{"0-5", "6-9", "10+"}, labels, "references are stored canonically")

	bad := whoIgA()
	bad.References[0].MinValue = 10
	report, err = f.svc.SaveGuideline(ctx, bad)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, report.Valid())

	gappy := whoIgA()
	gappy.Name = "Gappy"
	gappy.References = gappy.References[:2]
	report, err = f.svc.SaveGuideline(ctx, gappy)
	require.NoError(t, err, "warnings do not block a save")
	assert.NotEmpty(t, report.Warnings())

	docs, err := f.svc.ListGuidelineDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Len(t, docs[0].Guidelines, 2)

	require.NoError(t, f.svc.DeleteGuideline(ctx, "IgA", "Gappy"))
	assert.ErrorIs(t, f.svc.DeleteGuideline(ctx, "IgA", "Gappy"), domain.ErrNotFound)

	_, err = f.svc.ListGuidelines(ctx, "IgZ")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "category", verr.Field)
}

func TestRecordResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerPatient(t)
	_, err := f.svc.SaveGuideline(ctx, whoIgA())
	require.NoError(t, err)

	// birthday not yet reached in 2024
	r, err := f.svc.RecordResult(ctx, domain.RecordResultInput{
		PatientID: p.ID,
		TestType:  domain.TestIgA,
		Value:     1.2,
		TestDate:  time.Date(2024, 5, 19, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, r.Age)
	assert.Equal(t, DefaultUnit, r.Unit)
	assert.NotEmpty(t, r.ID)

	r, err = f.svc.RecordResult(ctx, domain.RecordResultInput{
		PatientID: p.ID,
		TestType:  domain.TestIgA,
		Value:     1.6,
		Unit:      "g/L",
		TestDate:  time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 8, r.Age)

	f.publisher.AssertCalled(t, "Publish", p.ID, mock.MatchedBy(func(ev ResultEvent) bool {
		eval, ok := ev.Evaluations["WHO"]
		return ok && ev.Result.Value == 1.6 && eval.Status == domain.StatusHigh && eval.Trend == domain.TrendUp
	}))

	var verr *domain.ValidationError
	_, err = f.svc.RecordResult(ctx, domain.RecordResultInput{
		PatientID: p.ID, TestType: domain.TestIgA, Value: 1,
		TestDate: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "testDate", verr.Field)

	_, err = f.svc.RecordResult(ctx, domain.RecordResultInput{
		PatientID: p.ID, TestType: "IgZ", Value: 1, TestDate: time.Now(),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "testType", verr.Field)

	_, err = f.svc.RecordResult(ctx, domain.RecordResultInput{
		PatientID: "missing", TestType: domain.TestIgA, Value: 1, TestDate: time.Now(),
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvaluateSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerPatient(t)
	_, err := f.svc.SaveGuideline(ctx, whoIgA())
	require.NoError(t, err)

	for _, in := range []struct {
		value float64
		date  time.Time
	}{
		{0.6, time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)},
		{1.2, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)},
	} {
		_, err := f.svc.RecordResult(ctx, domain.RecordResultInput{
			PatientID: p.ID, TestType: domain.TestIgA, Value: in.value, TestDate: in.date,
		})
		require.NoError(t, err)
	}

	eval, err := f.svc.EvaluateSeries(ctx, p.ID, domain.TestIgA, "WHO")
	require.NoError(t, err)
	require.NotNil(t, eval.Guideline)
	require.Len(t, eval.Entries, 2)
	newest := eval.Entries[0]
	assert.Equal(t, 7, newest.Result.Age)
	assert.Equal(t, domain.StatusNormal, newest.Evaluation.Status)
	assert.Equal(t, "6-9", newest.Evaluation.MatchedInterval.AgeGroup)
	assert.Equal(t, domain.TrendUp, newest.Evaluation.Trend)
	assert.Equal(t, "0-5", eval.Entries[1].Evaluation.MatchedInterval.AgeGroup)
	assert.Equal(t, domain.StatusNormal, eval.Entries[1].Evaluation.Status)

	unknown, err := f.svc.EvaluateSeries(ctx, p.ID, domain.TestIgA, "Nope")
	require.NoError(t, err)
	assert.Nil(t, unknown.Guideline)
	for _, e := range unknown.Entries {
		assert.Equal(t, domain.StatusNormal, e.Evaluation.Status)
		assert.Nil(t, e.Evaluation.MatchedInterval)
	}

	empty, err := f.svc.EvaluateSeries(ctx, p.ID, domain.TestIgM, "")
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)

	_, err = f.svc.EvaluateSeries(ctx, "missing", domain.TestIgA, "WHO")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLatestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.registerPatient(t)
	_, err := f.svc.SaveGuideline(ctx, whoIgA())
	require.NoError(t, err)

	record := func(tt domain.TestType, v float64, d time.Time) {
		_, err := f.svc.RecordResult(ctx, domain.RecordResultInput{PatientID: p.ID, TestType: tt, Value: v, TestDate: d})
		require.NoError(t, err)
	}
	record(domain.TestIgA, 1.4, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	record(domain.TestIgA, 0.4, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	record(domain.TestIgG, 8, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	summary, err := f.svc.LatestSummary(ctx, p.ID, map[domain.TestType]string{domain.TestIgA: "WHO"})
	require.NoError(t, err)
	assert.Equal(t, "Petrova", summary.LastName)
	require.Len(t, summary.Rows, 2)

	iga := summary.Rows[0]
	assert.Equal(t, domain.TestIgA, iga.TestType)
	assert.Equal(t, 0.4, iga.Latest.Value)
	require.NotNil(t, iga.Previous)
	assert.Equal(t, 1.4, iga.Previous.Value)
	assert.Equal(t, domain.StatusLow, iga.Evaluation.Status)
	assert.Equal(t, domain.TrendDown, iga.Evaluation.Trend)

	igg := summary.Rows[1]
	assert.Equal(t, domain.TestIgG, igg.TestType)
	assert.Nil(t, igg.Previous)
	assert.Equal(t, domain.StatusNormal, igg.Evaluation.Status)
	assert.Equal(t, domain.TrendNone, igg.Evaluation.Trend)
}

type brokenReader struct{}

func (brokenReader) GetDocument(context.Context, string) (*domain.GuidelineDocument, error) {
	return nil, errors.New("cache unavailable")
}

func TestAuditFailureDoesNotFailRequest(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := memstore.New()
	rec := &MockRecorder{}
	rec.On("Record", mock.Anything, mock.Anything).Return(errors.New("audit down"))
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything)

	svc := NewLabService(Options{
		Patients:   store.Patients(),
		Guidelines: store.Guidelines(),
		Results:    store.Results(),
		Reader:     brokenReader{},
		Audit:      rec,
		Publisher:  pub,
		Evaluator:  refrange.NewEvaluator(1),
		Logger:     logger,
	})

	p := &domain.Patient{FirstName: "A", LastName: "B", IDNumber: "1", Gender: domain.GenderMale,
		BirthDate: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, svc.RegisterPatient(context.Background(), p))

	_, err := svc.RecordResult(context.Background(), domain.RecordResultInput{
		PatientID: p.ID, TestType: domain.TestIgA, Value: 1, TestDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err, "a failing guideline reader only drops evaluations from the live event")
	pub.AssertCalled(t, "Publish", p.ID, mock.MatchedBy(func(ev ResultEvent) bool {
		return len(ev.Evaluations) == 0
	}))

	_, err = svc.EvaluateSeries(context.Background(), p.ID, domain.TestIgA, "WHO")
	assert.Error(t, err)
}
