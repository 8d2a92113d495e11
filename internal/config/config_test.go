package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewManager_Defaults(t *testing.T) {
	t.Setenv("IMMUNOLAB_AUTH_SECRET", testSecret)

	m, err := NewManager("")
	require.NoError(t, err)

	cfg := m.GetConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "immunolab", cfg.Database.Database)
	assert.Equal(t, 64, cfg.Cache.MemorySize)
	assert.Equal(t, uint32(5), cfg.Cache.BreakerFailures)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, "postgres", cfg.Audit.Backend)
	assert.Equal(t, testSecret, cfg.Auth.Secret)
	assert.True(t, m.IsDevelopment())
	assert.False(t, m.IsProduction())
	require.NoError(t, m.Validate())
}

func TestNewManager_ConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  environment: production
database:
  host: db.internal
  database: labs
evaluation:
  trend_tolerance_percent: 1
audit:
  backend: sqlite
auth:
  secret: `+testSecret+`
`), 0o600))

	t.Setenv("IMMUNOLAB_DATABASE_PORT", "6543")

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.GetConfig()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 1.0, cfg.Evaluation.TrendTolerancePercent)
	assert.Equal(t, "sqlite", cfg.Audit.Backend)
	assert.True(t, m.IsProduction())
	require.NoError(t, m.Validate())

	assert.Equal(t, "host=db.internal port=6543 user=postgres password= dbname=labs sslmode=disable",
		m.GetDatabaseConnectionString())
	assert.Equal(t, "postgres://postgres:@db.internal:6543/labs?sslmode=disable", m.GetDatabaseURL())

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\naudit:\n  backend: sqlite\n"), 0o600))
	require.NoError(t, m.Reload())
	assert.Equal(t, 7070, m.GetServerConfig().Port)
}

func TestValidate(t *testing.T) {
	t.Setenv("IMMUNOLAB_AUTH_SECRET", testSecret)
	m, err := NewManager("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func()
	}{
		{"bad port", func() { m.config.Server.Port = 0 }},
		{"missing database host", func() { m.config.Database.Host = "" }},
		{"short secret", func() { m.config.Auth.Secret = "short" }},
		{"bad rate limit", func() { m.config.RateLimit.Burst = 0 }},
		{"negative tolerance", func() { m.config.Evaluation.TrendTolerancePercent = -1 }},
		{"unknown audit backend", func() { m.config.Audit.Backend = "mongo" }},
		{"bad log level", func() { m.config.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, m.Reload())
			tt.mutate()
			assert.Error(t, m.Validate())
		})
	}

	require.NoError(t, m.Reload())
	m.config.Auth.Enabled = false
	m.config.Auth.Secret = ""
	assert.NoError(t, m.Validate(), "secret is not required with auth disabled")
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("debug", "json", "discard")
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	logger = NewLogger("nonsense", "text", "stderr")
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, ok = logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
	assert.Equal(t, os.Stderr, logger.Out)
}
