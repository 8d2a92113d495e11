// Package audit records who read or changed patient data and guidelines.
// Events go to SQLite for the standalone server or PostgreSQL alongside the
// main schema.
package audit

import (
	"context"
	"io"
	"time"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// Filter narrows List and Count. Zero fields match everything.
type Filter struct {
	PatientID string
	Action    domain.AuditAction
	Limit     int
	Offset    int
}

// Store defines the interface for audit storage operations.
type Store interface {
	// Record appends an event. Empty IDs and timestamps are filled in.
	Record(ctx context.Context, event *domain.AuditEvent) error

	// List returns events newest first.
	List(ctx context.Context, filter Filter) ([]*domain.AuditEvent, error)

	// Count returns the number of events matching filter, ignoring paging.
	Count(ctx context.Context, filter Filter) (int64, error)

	// ExportJSON writes every event to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close closes the store and releases resources.
	Close() error
}

// Export represents the JSON export format.
type Export struct {
	Version    string               `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Count      int                  `json:"count"`
	Events     []*domain.AuditEvent `json:"events"`
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

const defaultListLimit = 100
