package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL audit store.
// It expects the audit_events table to exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL audit store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// Record appends an audit event.
func (s *PostgresStore) Record(ctx context.Context, event *domain.AuditEvent) error {
	prepareEvent(event)

	query := `
		INSERT INTO audit_events (
			id, actor, role, action, patient_id, test_type, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Actor,
		string(event.Role),
		string(event.Action),
		event.PatientID,
		event.TestType,
		event.Detail,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// List returns events newest first.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*domain.AuditEvent, error) {
	where, args := whereClause(filter, pgPlaceholder)
	limit, offset := pageOf(filter)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT id, actor, role, action, patient_id, test_type, detail, created_at
		FROM audit_events%s
		ORDER BY created_at DESC, id
		LIMIT %s OFFSET %s
	`, where, pgPlaceholder(len(args)-1), pgPlaceholder(len(args)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var result []*domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, ev)
	}

	return result, rows.Err()
}

// Count returns the number of matching events.
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := whereClause(filter, pgPlaceholder)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// ExportJSON exports all events to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, Filter{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list audit events: %w", err)
	}
	return writeExport(writer, all)
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
