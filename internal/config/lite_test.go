package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLiteConfig(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "guidelines.yaml"), cfg.CatalogPath)
	assert.True(t, cfg.WatchCatalog)
	assert.Equal(t, 0.0, cfg.TrendTolerancePercent)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadLiteConfig_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.True(t, cfg.WatchCatalog)
}

func TestLoadLiteConfig_EnvironmentOverrides(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("IMMUNOLAB_DATA_DIR", "/tmp/test-immunolab")
	t.Setenv("IMMUNOLAB_CATALOG_WATCH", "false")
	t.Setenv("IMMUNOLAB_TREND_TOLERANCE_PERCENT", "1")
	t.Setenv("IMMUNOLAB_LOG_LEVEL", "debug")
	t.Setenv("IMMUNOLAB_LOG_FORMAT", "text")

	cfg := LoadLiteConfig()

	assert.Equal(t, "/tmp/test-immunolab", cfg.DataDir)
	assert.Equal(t, "/tmp/test-immunolab/guidelines.yaml", cfg.CatalogPath)
	assert.False(t, cfg.WatchCatalog)
	assert.Equal(t, 1.0, cfg.TrendTolerancePercent)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadLiteConfig_CatalogPathOverride(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("IMMUNOLAB_DATA_DIR", "/tmp/test-immunolab")
	t.Setenv("IMMUNOLAB_CATALOG_PATH", "/etc/immunolab/catalog.yaml")
	t.Setenv("IMMUNOLAB_TREND_TOLERANCE_PERCENT", "-3")

	cfg := LoadLiteConfig()

	assert.Equal(t, "/etc/immunolab/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, 0.0, cfg.TrendTolerancePercent, "negative tolerance is ignored")
}

func TestLiteConfig_AuditDBPath(t *testing.T) {
	cfg := &LiteConfig{DataDir: "/home/user/.immunolab"}

	assert.Equal(t, "/home/user/.immunolab/audit.db", cfg.AuditDBPath())
	assert.Equal(t, "/home/user/.immunolab/exports", cfg.ExportDir())
}

func TestLiteConfig_EnsureDataDir(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &LiteConfig{DataDir: filepath.Join(tmpDir, "nested", "data")}

	err := cfg.EnsureDataDir()
	require.NoError(t, err)

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	info, err = os.Stat(cfg.ExportDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"IMMUNOLAB_DATA_DIR",
		"IMMUNOLAB_CATALOG_PATH",
		"IMMUNOLAB_CATALOG_WATCH",
		"IMMUNOLAB_TREND_TOLERANCE_PERCENT",
		"IMMUNOLAB_LOG_LEVEL",
		"IMMUNOLAB_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}
