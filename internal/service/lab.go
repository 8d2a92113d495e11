// Package service holds the LabService that orchestrates patients,
// guidelines and results around the reference evaluator.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

// DefaultUnit is applied to results recorded without a unit.
const DefaultUnit = "g/L"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GuidelineInvalidator drops cached guideline documents after a write.
type GuidelineInvalidator interface {
	Invalidate(ctx context.Context, category string)
}

// Options wires a LabService. Reader, Invalidator, Audit and Publisher are
// optional.
type Options struct {
	Patients    domain.PatientRepository
	Guidelines  domain.GuidelineRepository
	Results     domain.ResultRepository
	Reader      domain.GuidelineSource
	Invalidator GuidelineInvalidator
	Audit       domain.AuditRecorder
	Publisher   domain.ResultPublisher
	Evaluator   refrange.Evaluator
	Logger      *logrus.Logger
}

// LabService implements the lab-results workflows used by the API.
type LabService struct {
	patients    domain.PatientRepository
	guidelines  domain.GuidelineRepository
	results     domain.ResultRepository
	reader      domain.GuidelineSource
	invalidator GuidelineInvalidator
	audit       domain.AuditRecorder
	publisher   domain.ResultPublisher
	evaluator   refrange.Evaluator
	logger      *logrus.Logger
	now         func() time.Time
}

// NewLabService creates a new lab service
func NewLabService(opts Options) *LabService {
	reader := opts.Reader
	if reader == nil {
		reader = opts.Guidelines
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LabService{
		patients:    opts.Patients,
		guidelines:  opts.Guidelines,
		results:     opts.Results,
		reader:      reader,
		invalidator: opts.Invalidator,
		audit:       opts.Audit,
		publisher:   opts.Publisher,
		evaluator:   opts.Evaluator,
		logger:      logger,
		now:         time.Now,
	}
}

// PatientPage is one page of a patient search.
type PatientPage struct {
	Patients []*domain.Patient `json:"patients"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// ResultEvent is published to live subscribers when a result is recorded.
// Evaluations holds one entry per guideline of the result's category.
type ResultEvent struct {
	Type        string                             `json:"type"`
	PatientID   string                             `json:"patientId"`
	TestType    domain.TestType                    `json:"testType"`
	Result      domain.TestResult                  `json:"result"`
	Evaluations map[string]domain.EvaluationResult `json:"evaluations"`
	At          time.Time                          `json:"at"`
}

// SeriesEvaluation is the evaluated history of one test type.
type SeriesEvaluation struct {
	PatientID string                 `json:"patientId"`
	TestType  domain.TestType        `json:"testType"`
	Guideline *domain.Guideline      `json:"guideline"`
	Entries   []refrange.SeriesEntry `json:"entries"`
}

// SummaryRow is the newest result of one test type with its evaluation.
type SummaryRow struct {
	TestType   domain.TestType         `json:"testType"`
	Guideline  string                  `json:"guideline,omitempty"`
	Latest     domain.TestResult       `json:"latest"`
	Previous   *domain.TestResult      `json:"previous,omitempty"`
	Evaluation domain.EvaluationResult `json:"evaluation"`
}

// Summary lists the latest result per test type for a patient.
type Summary struct {
	PatientID string       `json:"patientId"`
	FirstName string       `json:"firstName"`
	LastName  string       `json:"lastName"`
	Rows      []SummaryRow `json:"rows"`
}

// RegisterPatient validates and stores a new patient.
func (s *LabService) RegisterPatient(ctx context.Context, patient *domain.Patient) error {
	patient.FirstName = strings.TrimSpace(patient.FirstName)
	patient.LastName = strings.TrimSpace(patient.LastName)
	patient.IDNumber = strings.TrimSpace(patient.IDNumber)
	patient.Email = strings.TrimSpace(patient.Email)
	if err := patient.Validate(); err != nil {
		return err
	}
	b := patient.BirthDate.UTC()
	patient.BirthDate = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	if patient.BirthDate.After(s.now()) {
		return domain.NewValidationError("birthDate", "birth date is in the future", patient.BirthDate)
	}

	if err := s.patients.Create(ctx, patient); err != nil {
		return fmt.Errorf("failed to register patient: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"patient_id": patient.ID,
	}).Info("Patient registered")
	s.record(ctx, &domain.AuditEvent{
		Action:    domain.AuditPatientRegistered,
		PatientID: patient.ID,
	})
	return nil
}

// GetPatient returns a patient by ID.
func (s *LabService) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// UpdatePatient changes the profile fields of a patient: first name, last
// name and phone.
func (s *LabService) UpdatePatient(ctx context.Context, id string, update domain.PatientUpdate) (*domain.Patient, error) {
	if update.IsEmpty() {
		return nil, domain.NewValidationError("body", "no profile fields to update", nil)
	}
	patient, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	update.Apply(patient)
	if err := patient.Validate(); err != nil {
		return nil, err
	}
	if err := s.patients.Update(ctx, patient); err != nil {
		return nil, fmt.Errorf("failed to update patient: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"patient_id": patient.ID,
	}).Info("Patient updated")
	s.record(ctx, &domain.AuditEvent{
		Action:    domain.AuditPatientUpdated,
		PatientID: patient.ID,
		Detail:    strings.Join(update.Fields(), ","),
	})
	return patient, nil
}

// SearchPatients finds patients by name or id number.
func (s *LabService) SearchPatients(ctx context.Context, query string, limit, offset int) (*PatientPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	query = strings.TrimSpace(query)

	patients, err := s.patients.Search(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to search patients: %w", err)
	}
	total, err := s.patients.Count(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count patients: %w", err)
	}
	if patients == nil {
		patients = []*domain.Patient{}
	}
	return &PatientPage{Patients: patients, Total: total, Limit: limit, Offset: offset}, nil
}

// ListGuidelines returns the guideline document of one category.
func (s *LabService) ListGuidelines(ctx context.Context, category string) (*domain.GuidelineDocument, error) {
	if !domain.TestType(category).IsValid() {
		return nil, domain.NewValidationError("category", domain.ErrInvalidTestType.Error(), category)
	}
	return s.reader.GetDocument(ctx, category)
}

// ListGuidelineDocuments returns every non-empty category document.
func (s *LabService) ListGuidelineDocuments(ctx context.Context) ([]*domain.GuidelineDocument, error) {
	docs, err := s.guidelines.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list guidelines: %w", err)
	}
	if docs == nil {
		docs = []*domain.GuidelineDocument{}
	}
	return docs, nil
}

// SaveGuideline validates, canonicalizes and stores a guideline, replacing
// any guideline with the same name in its category. The report is returned
// in both cases; warnings do not block the save.
func (s *LabService) SaveGuideline(ctx context.Context, guideline domain.Guideline) (refrange.Report, error) {
	guideline.Name = strings.TrimSpace(guideline.Name)
	guideline.Category = strings.TrimSpace(guideline.Category)

	report := refrange.ValidateGuideline(guideline)
	if err := report.Err(); err != nil {
		return report, err
	}
	guideline.References = refrange.Canonicalize(guideline.References)

	if err := s.guidelines.Upsert(ctx, &guideline); err != nil {
		return report, fmt.Errorf("failed to save guideline: %w", err)
	}
	s.invalidate(ctx, guideline.Category)

	s.logger.WithFields(logrus.Fields{
		"category": guideline.Category,
		"name":     guideline.Name,
		"warnings": len(report.Warnings()),
	}).Info("Guideline saved")
	s.record(ctx, &domain.AuditEvent{
		Action:   domain.AuditGuidelineSaved,
		TestType: guideline.Category,
		Detail:   guideline.Key(),
	})
	return report, nil
}

// DeleteGuideline removes one guideline from its category.
func (s *LabService) DeleteGuideline(ctx context.Context, category, name string) error {
	if err := s.guidelines.Delete(ctx, category, name); err != nil {
		return fmt.Errorf("failed to delete guideline %s/%s: %w", category, name, err)
	}
	s.invalidate(ctx, category)
	s.record(ctx, &domain.AuditEvent{
		Action:   domain.AuditGuidelineDeleted,
		TestType: category,
		Detail:   category + "/" + name,
	})
	return nil
}

// RecordResult appends a lab result. The patient's age at the test date is
// computed here and stored with the result.
func (s *LabService) RecordResult(ctx context.Context, in domain.RecordResultInput) (*domain.TestResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	patient, err := s.patients.GetByID(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	testDate := in.TestDate.UTC()
	if testDate.Before(patient.BirthDate) {
		return nil, domain.NewValidationError("testDate", "test date is before the patient's birth date", testDate)
	}

	unit := strings.TrimSpace(in.Unit)
	if unit == "" {
		unit = DefaultUnit
	}
	result := &domain.TestResult{
		Value:    in.Value,
		Unit:     unit,
		TestDate: testDate,
		Age:      domain.AgeAt(patient.BirthDate, testDate),
	}
	if err := s.results.Append(ctx, in.PatientID, in.TestType, result); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"patient_id": in.PatientID,
		"test_type":  in.TestType,
		"age":        result.Age,
	}).Info("Result recorded")
	s.record(ctx, &domain.AuditEvent{
		Action:    domain.AuditResultRecorded,
		PatientID: in.PatientID,
		TestType:  string(in.TestType),
		Detail:    fmt.Sprintf("value=%g %s", result.Value, result.Unit),
	})
	s.publish(ctx, in.PatientID, in.TestType, *result)
	return result, nil
}

// PatientResults returns every result of a patient grouped by test type.
func (s *LabService) PatientResults(ctx context.Context, patientID string) (*domain.PatientResults, error) {
	return s.results.ByPatient(ctx, patientID)
}

// EvaluateSeries evaluates a patient's history for one test type against the
// named guideline. An empty or unknown guideline name evaluates every result
// as normal.
func (s *LabService) EvaluateSeries(ctx context.Context, patientID string, testType domain.TestType, guidelineName string) (*SeriesEvaluation, error) {
	if !testType.IsValid() {
		return nil, domain.NewValidationError("testType", domain.ErrInvalidTestType.Error(), testType)
	}
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	series, err := s.results.Series(ctx, patientID, testType)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	guideline, err := s.guideline(ctx, testType, guidelineName)
	if err != nil {
		return nil, err
	}

	s.record(ctx, &domain.AuditEvent{
		Action:    domain.AuditResultsEvaluated,
		PatientID: patientID,
		TestType:  string(testType),
		Detail:    guidelineName,
	})
	return &SeriesEvaluation{
		PatientID: patientID,
		TestType:  testType,
		Guideline: guideline,
		Entries:   s.evaluator.EvaluateSeries(series, guideline),
	}, nil
}

// LatestSummary returns one row per test type that has results, evaluated
// against the guideline selected for that type.
func (s *LabService) LatestSummary(ctx context.Context, patientID string, selections map[domain.TestType]string) (*Summary, error) {
	doc, err := s.results.ByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		PatientID: doc.PatientID,
		FirstName: doc.FirstName,
		LastName:  doc.LastName,
		Rows:      []SummaryRow{},
	}
	for _, testType := range domain.AllTestTypes {
		series := doc.Series(testType)
		latest, previous := refrange.Latest(series)
		if latest == nil {
			continue
		}
		name := selections[testType]
		guideline, err := s.guideline(ctx, testType, name)
		if err != nil {
			return nil, err
		}
		summary.Rows = append(summary.Rows, SummaryRow{
			TestType:   testType,
			Guideline:  name,
			Latest:     *latest,
			Previous:   previous,
			Evaluation: s.evaluator.Evaluate(*latest, guideline, series),
		})
	}

	s.record(ctx, &domain.AuditEvent{
		Action:    domain.AuditResultsEvaluated,
		PatientID: patientID,
		Detail:    "summary",
	})
	return summary, nil
}

// Evaluate runs a stateless evaluation of target within series.
func (s *LabService) Evaluate(target domain.TestResult, guideline *domain.Guideline, series []domain.TestResult) domain.EvaluationResult {
	return s.evaluator.Evaluate(target, guideline, series)
}

// Guideline returns the named guideline of a category, or nil when the name
// is empty or unknown.
func (s *LabService) Guideline(ctx context.Context, testType domain.TestType, name string) (*domain.Guideline, error) {
	return s.guideline(ctx, testType, name)
}

func (s *LabService) guideline(ctx context.Context, testType domain.TestType, name string) (*domain.Guideline, error) {
	if name == "" {
		return nil, nil
	}
	doc, err := s.reader.GetDocument(ctx, string(testType))
	if err != nil {
		return nil, fmt.Errorf("failed to load guidelines for %s: %w", testType, err)
	}
	g := doc.Find(name)
	if g == nil {
		s.logger.WithFields(logrus.Fields{
			"category":  testType,
			"guideline": name,
		}).Debug("Unknown guideline, evaluating without reference interval")
		return nil, nil
	}
	return g, nil
}

func (s *LabService) invalidate(ctx context.Context, category string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, category)
	}
}

func (s *LabService) record(ctx context.Context, event *domain.AuditEvent) {
	if s.audit == nil {
		return
	}
	if p, ok := domain.PrincipalFromContext(ctx); ok {
		event.Actor = p.Subject
		event.Role = p.Role
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Failed to record audit event")
	}
}

func (s *LabService) publish(ctx context.Context, patientID string, testType domain.TestType, result domain.TestResult) {
	if s.publisher == nil {
		return
	}

	event := ResultEvent{
		Type:        string(domain.AuditResultRecorded),
		PatientID:   patientID,
		TestType:    testType,
		Result:      result,
		Evaluations: map[string]domain.EvaluationResult{},
		At:          s.now().UTC(),
	}

	series, err := s.results.Series(ctx, patientID, testType)
	if err == nil {
		var doc *domain.GuidelineDocument
		doc, err = s.reader.GetDocument(ctx, string(testType))
		if err == nil {
			for i := range doc.Guidelines {
				g := &doc.Guidelines[i]
				event.Evaluations[g.Name] = s.evaluator.Evaluate(result, g, series)
			}
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Warn("Publishing result without evaluations")
	}
	s.publisher.Publish(patientID, event)
}
