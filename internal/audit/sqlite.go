package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers proceed while the server appends
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(s scanner) (*domain.AuditEvent, error) {
	ev := &domain.AuditEvent{}
	var role, action string

	err := s.Scan(
		&ev.ID, &ev.Actor, &role, &action,
		&ev.PatientID, &ev.TestType, &ev.Detail, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Role = domain.Role(role)
	ev.Action = domain.AuditAction(action)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		patient_id TEXT NOT NULL DEFAULT '',
		test_type TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_patient ON audit_events(patient_id);
	`

	_, err := db.Exec(schema)
	return err
}

func prepareEvent(event *domain.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
}

// whereClause builds the filter predicate. placeholder renders the n-th
// bind parameter for the dialect.
func whereClause(filter Filter, placeholder func(n int) string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.PatientID != "" {
		args = append(args, filter.PatientID)
		conds = append(conds, "patient_id = "+placeholder(len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		conds = append(conds, "action = "+placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func pageOf(filter Filter) (int, int) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func sqlitePlaceholder(int) string { return "?" }

// Record appends an audit event.
func (s *SQLiteStore) Record(ctx context.Context, event *domain.AuditEvent) error {
	prepareEvent(event)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, actor, role, action, patient_id, test_type, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Actor,
		string(event.Role),
		string(event.Action),
		event.PatientID,
		event.TestType,
		event.Detail,
		event.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List returns events newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*domain.AuditEvent, error) {
	where, args := whereClause(filter, sqlitePlaceholder)
	limit, offset := pageOf(filter)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, role, action, patient_id, test_type, detail, created_at
		FROM audit_events`+where+`
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := whereClause(filter, sqlitePlaceholder)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count)
	return count, err
}

// ExportJSON exports all events to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, Filter{Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list audit events: %w", err)
	}
	return writeExport(writer, all)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func writeExport(writer io.Writer, events []*domain.AuditEvent) error {
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(events),
		Events:     events,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
