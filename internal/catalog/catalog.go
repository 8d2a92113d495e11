// Package catalog loads guidelines from a YAML file. It seeds the database
// and serves as the guideline source of the MCP server, reloading when the
// file changes.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/pkg/refrange"
)

//go:embed sample.yaml
var sampleCatalog []byte

// File is the on-disk layout of a catalog.
type File struct {
	Guidelines []domain.Guideline `yaml:"guidelines"`
}

// Catalog holds the guidelines of the last successful load.
type Catalog struct {
	path   string
	logger *logrus.Logger

	mu       sync.RWMutex
	docs     map[string]*domain.GuidelineDocument
	warnings []string
	loadedAt time.Time
}

// Parse decodes and validates catalog data. Unknown keys, invalid
// guidelines and duplicate (category, name) pairs are errors. Validation
// warnings are returned alongside the guidelines, whose references are
// canonicalized.
func Parse(data []byte) ([]domain.Guideline, []string, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Guidelines))
	var warnings []string
	out := make([]domain.Guideline, 0, len(file.Guidelines))
	for i, g := range file.Guidelines {
		report := refrange.ValidateGuideline(g)
		if err := report.Err(); err != nil {
			return nil, nil, fmt.Errorf("guideline %d (%s): %w", i, g.Key(), err)
		}
		if seen[g.Key()] {
			return nil, nil, fmt.Errorf("guideline %d: duplicate %s", i, g.Key())
		}
		seen[g.Key()] = true

		for _, w := range report.Warnings() {
			warnings = append(warnings, fmt.Sprintf("%s %s: %s", g.Key(), w.Field, w.Message))
		}
		g.References = refrange.Canonicalize(g.References)
		out = append(out, g)
	}
	return out, warnings, nil
}

// Sample returns the embedded sample catalog.
func Sample() []byte {
	return append([]byte(nil), sampleCatalog...)
}

// WriteSample writes the sample catalog to path unless a file exists there.
func WriteSample(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	if err := os.WriteFile(path, sampleCatalog, 0644); err != nil {
		return false, fmt.Errorf("failed to write sample catalog: %w", err)
	}
	return true, nil
}

// Load reads and validates the catalog at path.
func Load(path string, logger *logrus.Logger) (*Catalog, error) {
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file. On failure the previous guidelines stay active.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	guidelines, warnings, err := Parse(data)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	docs := make(map[string]*domain.GuidelineDocument)
	for _, g := range guidelines {
		doc, ok := docs[g.Category]
		if !ok {
			doc = &domain.GuidelineDocument{Category: g.Category, UpdatedAt: now}
			docs[g.Category] = doc
		}
		doc.Guidelines = append(doc.Guidelines, g)
	}

	c.mu.Lock()
	c.docs = docs
	c.warnings = warnings
	c.loadedAt = now
	c.mu.Unlock()

	for _, w := range warnings {
		c.logger.WithField("path", c.path).Warn("Catalog warning: " + w)
	}
	c.logger.WithFields(logrus.Fields{
		"path":       c.path,
		"guidelines": len(guidelines),
	}).Info("Guideline catalog loaded")
	return nil
}

// GetDocument returns a copy of a category's guidelines. An unknown
// category yields an empty document.
func (c *Catalog) GetDocument(_ context.Context, category string) (*domain.GuidelineDocument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[category]
	if !ok {
		return &domain.GuidelineDocument{Category: category, Guidelines: []domain.Guideline{}}, nil
	}
	return cloneDocument(doc), nil
}

// Documents returns every non-empty category in test type order.
func (c *Catalog) Documents() []*domain.GuidelineDocument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.GuidelineDocument, 0, len(c.docs))
	for _, tt := range domain.AllTestTypes {
		if doc, ok := c.docs[string(tt)]; ok {
			out = append(out, cloneDocument(doc))
		}
	}
	return out
}

// Warnings returns the validation warnings of the active load.
func (c *Catalog) Warnings() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.warnings...)
}

// LoadedAt returns when the active guidelines were loaded.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Seed upserts every guideline into repo and returns how many were written.
func (c *Catalog) Seed(ctx context.Context, repo domain.GuidelineRepository) (int, error) {
	n := 0
	for _, doc := range c.Documents() {
		for i := range doc.Guidelines {
			if err := repo.Upsert(ctx, &doc.Guidelines[i]); err != nil {
				return n, fmt.Errorf("failed to seed %s: %w", doc.Guidelines[i].Key(), err)
			}
			n++
		}
	}
	return n, nil
}

// Watch reloads the catalog whenever its file is written or replaced. It
// runs until ctx is cancelled. onReload, if set, is called after each
// successful reload.
func (c *Catalog) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.path); err != nil {
		return err
	}

	c.logger.WithField("path", c.path).Info("Watching guideline catalog for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors often save by rename, which shows up as Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				// an atomic save may drop the watch on the old inode
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					_ = watcher.Add(c.path)
				}
				continue
			}

			if err := c.Reload(); err != nil {
				c.logger.WithFields(logrus.Fields{
					"path":  c.path,
					"error": err,
				}).Error("Catalog reload failed, keeping previous guidelines")
				continue
			}
			if onReload != nil {
				onReload()
			}

			_ = watcher.Add(c.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WithError(err).Error("Catalog watcher error")
		}
	}
}

func cloneDocument(doc *domain.GuidelineDocument) *domain.GuidelineDocument {
	out := *doc
	out.Guidelines = make([]domain.Guideline, len(doc.Guidelines))
	for i, g := range doc.Guidelines {
		g.References = append([]domain.ReferenceInterval(nil), g.References...)
		out.Guidelines[i] = g
	}
	return &out
}
