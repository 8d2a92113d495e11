package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/domain"
)

const foreignKeyViolation = "23503"

// ResultRepository is an append-only store of lab results. Results are
// returned in insertion order.
type ResultRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *pgxpool.Pool, logger *logrus.Logger) *ResultRepository {
	return &ResultRepository{
		db:  db,
		log: logger,
	}
}

// Append stores result under (patientID, testType). An empty result ID is
// filled with a new UUID.
func (r *ResultRepository) Append(ctx context.Context, patientID string, testType domain.TestType, result *domain.TestResult) error {
	if _, err := uuid.Parse(patientID); err != nil {
		return fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	query := `
		INSERT INTO test_results (id, patient_id, test_type, value, unit, test_date, age)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		result.ID,
		patientID,
		string(testType),
		result.Value,
		result.Unit,
		result.TestDate,
		result.Age,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"test_type":  testType,
			"error":      err,
		}).Error("Failed to append test result")
		return fmt.Errorf("appending test result: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"patient_id": patientID,
		"test_type":  testType,
		"result_id":  result.ID,
	}).Debug("Test result appended")

	return nil
}

// Series returns every result of testType for the patient.
func (r *ResultRepository) Series(ctx context.Context, patientID string, testType domain.TestType) ([]domain.TestResult, error) {
	if _, err := uuid.Parse(patientID); err != nil {
		return []domain.TestResult{}, nil
	}

	query := `
		SELECT id::text, value, unit, test_date, age
		FROM test_results
		WHERE patient_id = $1 AND test_type = $2
		ORDER BY seq`

	rows, err := r.db.Query(ctx, query, patientID, string(testType))
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"test_type":  testType,
			"error":      err,
		}).Error("Failed to query test results")
		return nil, fmt.Errorf("querying test results: %w", err)
	}
	defer rows.Close()

	series := []domain.TestResult{}
	for rows.Next() {
		var res domain.TestResult
		if err := rows.Scan(&res.ID, &res.Value, &res.Unit, &res.TestDate, &res.Age); err != nil {
			return nil, fmt.Errorf("scanning test result: %w", err)
		}
		res.TestDate = res.TestDate.UTC()
		series = append(series, res)
	}
	return series, rows.Err()
}

// ByPatient assembles the patient's results document. LastUpdated is the
// time of the newest insert, or zero when nothing has been recorded.
func (r *ResultRepository) ByPatient(ctx context.Context, patientID string) (*domain.PatientResults, error) {
	if _, err := uuid.Parse(patientID); err != nil {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}

	doc := &domain.PatientResults{
		PatientID: patientID,
		Results:   make(map[string][]domain.TestResult),
	}

	err := r.db.QueryRow(ctx,
		`SELECT first_name, last_name FROM patients WHERE id = $1`, patientID,
	).Scan(&doc.FirstName, &doc.LastName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting patient for results: %w", err)
	}

	query := `
		SELECT id::text, test_type, value, unit, test_date, age, created_at
		FROM test_results
		WHERE patient_id = $1
		ORDER BY seq`

	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("querying patient results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var res domain.TestResult
		var testType string
		var createdAt time.Time
		if err := rows.Scan(&res.ID, &testType, &res.Value, &res.Unit, &res.TestDate, &res.Age, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning test result: %w", err)
		}
		res.TestDate = res.TestDate.UTC()
		doc.Results[testType] = append(doc.Results[testType], res)
		if createdAt.After(doc.LastUpdated) {
			doc.LastUpdated = createdAt.UTC()
		}
	}
	return doc, rows.Err()
}
