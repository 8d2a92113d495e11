package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// GuidelineRepository stores one row per guideline and assembles per-category
// documents on read. Guidelines within a document are ordered by their last
// save, so a replaced guideline moves to the end.
type GuidelineRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewGuidelineRepository creates a new guideline repository
func NewGuidelineRepository(db *pgxpool.Pool, logger *logrus.Logger) *GuidelineRepository {
	return &GuidelineRepository{
		db:  db,
		log: logger,
	}
}

// GetDocument returns every guideline of category. A category with no
// guidelines yields an empty document, not an error.
func (r *GuidelineRepository) GetDocument(ctx context.Context, category string) (*domain.GuidelineDocument, error) {
	query := `
		SELECT category, name, refs, updated_at
		FROM guidelines
		WHERE category = $1
		ORDER BY updated_at, name`

	docs, err := r.queryDocuments(ctx, query, category)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"category": category,
			"error":    err,
		}).Error("Failed to get guideline document")
		return nil, fmt.Errorf("getting guideline document: %w", err)
	}

	if len(docs) == 0 {
		return &domain.GuidelineDocument{Category: category, Guidelines: []domain.Guideline{}}, nil
	}
	return docs[0], nil
}

// ListDocuments returns one document per category that has guidelines,
// ordered by category.
func (r *GuidelineRepository) ListDocuments(ctx context.Context) ([]*domain.GuidelineDocument, error) {
	query := `
		SELECT category, name, refs, updated_at
		FROM guidelines
		ORDER BY category, updated_at, name`

	docs, err := r.queryDocuments(ctx, query)
	if err != nil {
		r.log.WithError(err).Error("Failed to list guideline documents")
		return nil, fmt.Errorf("listing guideline documents: %w", err)
	}
	return docs, nil
}

func (r *GuidelineRepository) queryDocuments(ctx context.Context, query string, args ...any) ([]*domain.GuidelineDocument, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.GuidelineDocument
	var current *domain.GuidelineDocument
	for rows.Next() {
		var g domain.Guideline
		var refs []byte
		var updatedAt time.Time
		if err := rows.Scan(&g.Category, &g.Name, &refs, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning guideline: %w", err)
		}
		if err := json.Unmarshal(refs, &g.References); err != nil {
			return nil, fmt.Errorf("decoding references of %s: %w", g.Key(), err)
		}

		if current == nil || current.Category != g.Category {
			current = &domain.GuidelineDocument{Category: g.Category}
			docs = append(docs, current)
		}
		current.Guidelines = append(current.Guidelines, g)
		if updatedAt.After(current.UpdatedAt) {
			current.UpdatedAt = updatedAt
		}
	}
	return docs, rows.Err()
}

// Upsert stores guideline, replacing any guideline with the same name in the
// same category.
func (r *GuidelineRepository) Upsert(ctx context.Context, guideline *domain.Guideline) error {
	refs, err := json.Marshal(guideline.References)
	if err != nil {
		return fmt.Errorf("encoding references: %w", err)
	}

	query := `
		INSERT INTO guidelines (category, name, refs, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), clock_timestamp())
		ON CONFLICT (category, name) DO UPDATE SET
			refs = EXCLUDED.refs,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(ctx, query, guideline.Category, guideline.Name, refs); err != nil {
		r.log.WithFields(logrus.Fields{
			"category": guideline.Category,
			"name":     guideline.Name,
			"error":    err,
		}).Error("Failed to upsert guideline")
		return fmt.Errorf("upserting guideline: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"category":   guideline.Category,
		"name":       guideline.Name,
		"references": len(guideline.References),
	}).Info("Guideline saved")

	return nil
}

// Delete removes the guideline (category, name).
func (r *GuidelineRepository) Delete(ctx context.Context, category, name string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM guidelines WHERE category = $1 AND name = $2`, category, name)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"category": category,
			"name":     name,
			"error":    err,
		}).Error("Failed to delete guideline")
		return fmt.Errorf("deleting guideline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("guideline %s/%s: %w", category, name, domain.ErrNotFound)
	}
	return nil
}
