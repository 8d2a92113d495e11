// Package memstore provides in-memory implementations of the repository
// interfaces for the standalone MCP server and for tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// Store holds patients, guidelines and results behind one lock. It
// implements domain.PatientRepository, domain.GuidelineRepository and
// domain.ResultRepository through its accessor methods.
type Store struct {
	mu         sync.RWMutex
	patients   map[string]*domain.Patient
	idNumbers  map[string]string
	guidelines map[string][]guidelineEntry
	results    map[string]*patientResults
	now        func() time.Time
}

type guidelineEntry struct {
	guideline domain.Guideline
	updatedAt time.Time
}

type patientResults struct {
	byType      map[string][]domain.TestResult
	lastUpdated time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		patients:   make(map[string]*domain.Patient),
		idNumbers:  make(map[string]string),
		guidelines: make(map[string][]guidelineEntry),
		results:    make(map[string]*patientResults),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Patients returns the store as a PatientRepository.
func (s *Store) Patients() domain.PatientRepository { return patientRepo{s} }

// Guidelines returns the store as a GuidelineRepository.
func (s *Store) Guidelines() domain.GuidelineRepository { return guidelineRepo{s} }

// Results returns the store as a ResultRepository.
func (s *Store) Results() domain.ResultRepository { return resultRepo{s} }

type patientRepo struct{ s *Store }

func (r patientRepo) Create(_ context.Context, patient *domain.Patient) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.idNumbers[patient.IDNumber]; taken {
		return fmt.Errorf("patient with id number %s: %w", patient.IDNumber, domain.ErrConflict)
	}
	if patient.ID == "" {
		patient.ID = uuid.NewString()
	}
	if _, taken := s.patients[patient.ID]; taken {
		return fmt.Errorf("patient %s: %w", patient.ID, domain.ErrConflict)
	}
	patient.CreatedAt = s.now()

	stored := *patient
	s.patients[patient.ID] = &stored
	s.idNumbers[patient.IDNumber] = patient.ID
	return nil
}

func (r patientRepo) GetByID(_ context.Context, id string) (*domain.Patient, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (r patientRepo) Update(_ context.Context, patient *domain.Patient) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[patient.ID]
	if !ok {
		return fmt.Errorf("patient %s: %w", patient.ID, domain.ErrNotFound)
	}
	p.FirstName = patient.FirstName
	p.LastName = patient.LastName
	p.Phone = patient.Phone
	return nil
}

func (r patientRepo) matching(query string) []*domain.Patient {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*domain.Patient
	for _, p := range r.s.patients {
		if q == "" || strings.Contains(strings.ToLower(p.FullName()), q) || p.IDNumber == strings.TrimSpace(query) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r patientRepo) Search(_ context.Context, query string, limit, offset int) ([]*domain.Patient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	all := r.matching(query)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r patientRepo) Count(_ context.Context, query string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.matching(query)), nil
}

type guidelineRepo struct{ s *Store }

func (r guidelineRepo) GetDocument(_ context.Context, category string) (*domain.GuidelineDocument, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.document(category), nil
}

func (r guidelineRepo) document(category string) *domain.GuidelineDocument {
	doc := &domain.GuidelineDocument{Category: category, Guidelines: []domain.Guideline{}}
	for _, e := range r.s.guidelines[category] {
		doc.Guidelines = append(doc.Guidelines, cloneGuideline(e.guideline))
		if e.updatedAt.After(doc.UpdatedAt) {
			doc.UpdatedAt = e.updatedAt
		}
	}
	return doc
}

func (r guidelineRepo) ListDocuments(_ context.Context) ([]*domain.GuidelineDocument, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	categories := make([]string, 0, len(r.s.guidelines))
	for c, entries := range r.s.guidelines {
		if len(entries) > 0 {
			categories = append(categories, c)
		}
	}
	sort.Strings(categories)

	docs := make([]*domain.GuidelineDocument, 0, len(categories))
	for _, c := range categories {
		docs = append(docs, r.document(c))
	}
	return docs, nil
}

func (r guidelineRepo) Upsert(_ context.Context, guideline *domain.Guideline) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.guidelines[guideline.Category]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.guideline.Name != guideline.Name {
			kept = append(kept, e)
		}
	}
	s.guidelines[guideline.Category] = append(kept, guidelineEntry{
		guideline: cloneGuideline(*guideline),
		updatedAt: s.now(),
	})
	return nil
}

func (r guidelineRepo) Delete(_ context.Context, category, name string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.guidelines[category]
	for i, e := range entries {
		if e.guideline.Name == name {
			s.guidelines[category] = append(entries[:i:i], entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("guideline %s/%s: %w", category, name, domain.ErrNotFound)
}

type resultRepo struct{ s *Store }

func (r resultRepo) Append(_ context.Context, patientID string, testType domain.TestType, result *domain.TestResult) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patients[patientID]; !ok {
		return fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	pr, ok := s.results[patientID]
	if !ok {
		pr = &patientResults{byType: make(map[string][]domain.TestResult)}
		s.results[patientID] = pr
	}
	pr.byType[string(testType)] = append(pr.byType[string(testType)], *result)
	pr.lastUpdated = s.now()
	return nil
}

func (r resultRepo) Series(_ context.Context, patientID string, testType domain.TestType) ([]domain.TestResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	series := []domain.TestResult{}
	if pr, ok := r.s.results[patientID]; ok {
		series = append(series, pr.byType[string(testType)]...)
	}
	return series, nil
}

func (r resultRepo) ByPatient(_ context.Context, patientID string) (*domain.PatientResults, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}

	doc := &domain.PatientResults{
		PatientID: patientID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Results:   make(map[string][]domain.TestResult),
	}
	if pr, ok := r.s.results[patientID]; ok {
		for t, series := range pr.byType {
			doc.Results[t] = append([]domain.TestResult(nil), series...)
		}
		doc.LastUpdated = pr.lastUpdated
	}
	return doc, nil
}

func cloneGuideline(g domain.Guideline) domain.Guideline {
	g.References = append([]domain.ReferenceInterval(nil), g.References...)
	return g
}
