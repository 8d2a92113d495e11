// Package config provides configuration management for the lab-results server.
// This file contains the lightweight configuration for the standalone MCP server.
package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for the audit database and exports

	// Guideline catalog
	CatalogPath  string // YAML guideline catalog
	WatchCatalog bool   // Reload the catalog when the file changes

	// Evaluation
	TrendTolerancePercent float64

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".immunolab")

	return &LiteConfig{
		DataDir:      dataDir,
		CatalogPath:  filepath.Join(dataDir, "guidelines.yaml"),
		WatchCatalog: true,
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("IMMUNOLAB_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.CatalogPath = filepath.Join(v, "guidelines.yaml")
	}

	if v := os.Getenv("IMMUNOLAB_CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("IMMUNOLAB_CATALOG_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.WatchCatalog = b
		}
	}

	if v := os.Getenv("IMMUNOLAB_TREND_TOLERANCE_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.TrendTolerancePercent = f
		}
	}

	if v := os.Getenv("IMMUNOLAB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IMMUNOLAB_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// AuditDBPath returns the path to the audit SQLite database.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
