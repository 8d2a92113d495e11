package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/domain"
)

const uniqueViolation = "23505"

// PatientRepository handles patient persistence
type PatientRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPatientRepository creates a new patient repository
func NewPatientRepository(db *pgxpool.Pool, logger *logrus.Logger) *PatientRepository {
	return &PatientRepository{
		db:  db,
		log: logger,
	}
}

// Create inserts a new patient. An empty ID is filled with a new UUID.
func (r *PatientRepository) Create(ctx context.Context, patient *domain.Patient) error {
	if patient.ID == "" {
		patient.ID = uuid.NewString()
	}

	query := `
		INSERT INTO patients (
			id, first_name, last_name, id_number, email, phone,
			birth_date, birth_place, gender
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		patient.ID,
		patient.FirstName,
		patient.LastName,
		patient.IDNumber,
		patient.Email,
		patient.Phone,
		patient.BirthDate,
		patient.BirthPlace,
		string(patient.Gender),
	).Scan(&patient.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("patient with id number %s: %w", patient.IDNumber, domain.ErrConflict)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      err,
		}).Error("Failed to create patient")
		return fmt.Errorf("creating patient: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"patient_id": patient.ID,
	}).Info("Patient created successfully")

	return nil
}

// GetByID retrieves a patient by ID
func (r *PatientRepository) GetByID(ctx context.Context, id string) (*domain.Patient, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}

	query := `
		SELECT id::text, first_name, last_name, id_number, email, phone,
			   birth_date, birth_place, gender, created_at
		FROM patients
		WHERE id = $1`

	patient, err := scanPatient(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"patient_id": id,
			"error":      err,
		}).Error("Failed to get patient by ID")
		return nil, fmt.Errorf("getting patient by ID: %w", err)
	}

	return patient, nil
}

// Update stores the name and phone of an existing patient.
func (r *PatientRepository) Update(ctx context.Context, patient *domain.Patient) error {
	if _, err := uuid.Parse(patient.ID); err != nil {
		return fmt.Errorf("patient %s: %w", patient.ID, domain.ErrNotFound)
	}

	query := `
		UPDATE patients
		SET first_name = $2, last_name = $3, phone = $4
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		patient.ID,
		patient.FirstName,
		patient.LastName,
		patient.Phone,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"patient_id": patient.ID,
			"error":      err,
		}).Error("Failed to update patient")
		return fmt.Errorf("updating patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s: %w", patient.ID, domain.ErrNotFound)
	}

	r.log.WithFields(logrus.Fields{
		"patient_id": patient.ID,
	}).Info("Patient updated successfully")

	return nil
}

// Search returns patients whose full name contains query, case-insensitively,
// or whose id number equals it. An empty query lists every patient.
func (r *PatientRepository) Search(ctx context.Context, query string, limit, offset int) ([]*domain.Patient, error) {
	sql := `
		SELECT id::text, first_name, last_name, id_number, email, phone,
			   birth_date, birth_place, gender, created_at
		FROM patients
		WHERE $1 = ''
		   OR lower(first_name || ' ' || last_name) LIKE '%' || $1 || '%'
		   OR id_number = $2
		ORDER BY last_name, first_name, id
		LIMIT $3 OFFSET $4`

	q := strings.TrimSpace(query)
	rows, err := r.db.Query(ctx, sql, escapeLike(strings.ToLower(q)), q, limit, offset)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"query": query,
			"error": err,
		}).Error("Failed to search patients")
		return nil, fmt.Errorf("searching patients: %w", err)
	}
	defer rows.Close()

	var patients []*domain.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning patient: %w", err)
		}
		patients = append(patients, p)
	}

	return patients, rows.Err()
}

// Count returns the number of patients Search would match without paging.
func (r *PatientRepository) Count(ctx context.Context, query string) (int, error) {
	sql := `
		SELECT COUNT(*)
		FROM patients
		WHERE $1 = ''
		   OR lower(first_name || ' ' || last_name) LIKE '%' || $1 || '%'
		   OR id_number = $2`

	q := strings.TrimSpace(query)
	var count int
	if err := r.db.QueryRow(ctx, sql, escapeLike(strings.ToLower(q)), q).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting patients: %w", err)
	}
	return count, nil
}

func scanPatient(row pgx.Row) (*domain.Patient, error) {
	var p domain.Patient
	var gender string
	var birthDate time.Time

	err := row.Scan(
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&p.IDNumber,
		&p.Email,
		&p.Phone,
		&birthDate,
		&p.BirthPlace,
		&gender,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.BirthDate = birthDate.UTC()
	p.Gender = domain.Gender(gender)
	return &p, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
