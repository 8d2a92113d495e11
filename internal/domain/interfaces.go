package domain

import (
	"context"
	"time"
)

// PatientRepository defines the interface for patient persistence
type PatientRepository interface {
	Create(ctx context.Context, patient *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	// Update stores the profile fields of an existing patient.
	Update(ctx context.Context, patient *Patient) error
	Search(ctx context.Context, query string, limit, offset int) ([]*Patient, error)
	Count(ctx context.Context, query string) (int, error)
}

// GuidelineRepository stores guidelines grouped into one document per category
type GuidelineRepository interface {
	// GetDocument returns an empty document when the category has no guidelines.
	GetDocument(ctx context.Context, category string) (*GuidelineDocument, error)
	ListDocuments(ctx context.Context) ([]*GuidelineDocument, error)
	// Upsert replaces any guideline with the same name in the same category.
	Upsert(ctx context.Context, guideline *Guideline) error
	Delete(ctx context.Context, category, name string) error
}

// ResultRepository is an append-only store of lab results
type ResultRepository interface {
	Append(ctx context.Context, patientID string, testType TestType, result *TestResult) error
	Series(ctx context.Context, patientID string, testType TestType) ([]TestResult, error)
	ByPatient(ctx context.Context, patientID string) (*PatientResults, error)
}

// GuidelineSource is the read side used by evaluators: the cache, the YAML
// catalog and the repositories all satisfy it.
type GuidelineSource interface {
	GetDocument(ctx context.Context, category string) (*GuidelineDocument, error)
}

// AuditEvent records an operation on patient data or guidelines
type AuditEvent struct {
	ID        string      `json:"id"`
	Actor     string      `json:"actor"`
	Role      Role        `json:"role"`
	Action    AuditAction `json:"action"`
	PatientID string      `json:"patient_id,omitempty"`
	TestType  string      `json:"test_type,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// AuditRecorder accepts audit events
type AuditRecorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// ResultPublisher fans out newly recorded results to live subscribers
type ResultPublisher interface {
	Publish(patientID string, event any)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
