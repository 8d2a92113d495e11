package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/immunolab/immunolab-server/internal/database"
	"github.com/immunolab/immunolab-server/internal/domain"
)

// generateTestPassword creates a random password for test databases
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestDB(t *testing.T) (*database.DB, func()) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	config := database.Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    testPassword,
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := database.NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}

	migrationRunner, err := database.NewMigrationRunner(config.URL(), logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}

	if err := migrationRunner.Up(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		migrationRunner.Close()
		db.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}

	return db, cleanup
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newPatient(first, last, idNumber string) *domain.Patient {
	return &domain.Patient{
		FirstName: first,
		LastName:  last,
		IDNumber:  idNumber,
		BirthDate: time.Date(2016, time.May, 20, 0, 0, 0, 0, time.UTC),
		Gender:    domain.GenderFemale,
	}
}

func TestRepositories(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// one container for every subtest keeps the suite fast
	t.Run("Patients", func(t *testing.T) { testPatientRepository(t, db) })
	t.Run("Guidelines", func(t *testing.T) { testGuidelineRepository(t, db) })
	t.Run("Results", func(t *testing.T) { testResultRepository(t, db) })
}

func testPatientRepository(t *testing.T, db *database.DB) {
	ctx := context.Background()
	repo := NewPatientRepository(db.Pool, testLogger())

	ana := newPatient("Ana", "Petrova", "1001")
	require.NoError(t, repo.Create(ctx, ana))
	assert.NotEmpty(t, ana.ID)
	assert.False(t, ana.CreatedAt.IsZero())

	require.NoError(t, repo.Create(ctx, newPatient("Boris", "Ivanov", "1002")))
	require.NoError(t, repo.Create(ctx, newPatient("Anastasia", "Ivanova", "1003")))

	err := repo.Create(ctx, newPatient("Dup", "Licate", "1001"))
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := repo.GetByID(ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Petrova", got.FullName())
	assert.Equal(t, ana.BirthDate, got.BirthDate)
	assert.Equal(t, domain.GenderFemale, got.Gender)

	_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.GetByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	found, err := repo.Search(ctx, "ANA", 10, 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = repo.Search(ctx, "1002", 10, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Boris", found[0].FirstName)

	found, err = repo.Search(ctx, "%", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, found, "LIKE wildcards are matched literally")

	page, err := repo.Search(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	count, err := repo.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	count, err = repo.Count(ctx, "ivanov")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got.FirstName = "Anna"
	got.Phone = "+359 88 123"
	require.NoError(t, repo.Update(ctx, got))
	updated, err := repo.GetByID(ctx, ana.ID)
	require.NoError(t, err)
	assert.Equal(t, "Anna Petrova", updated.FullName())
	assert.Equal(t, "+359 88 123", updated.Phone)
	assert.Equal(t, "1001", updated.IDNumber)

	assert.ErrorIs(t, repo.Update(ctx, &domain.Patient{ID: "00000000-0000-0000-0000-000000000000"}), domain.ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.Patient{ID: "not-a-uuid"}), domain.ErrNotFound)
}

func testGuidelineRepository(t *testing.T, db *database.DB) {
	ctx := context.Background()
	repo := NewGuidelineRepository(db.Pool, testLogger())

	empty, err := repo.GetDocument(ctx, "IgM")
	require.NoError(t, err)
	assert.Equal(t, "IgM", empty.Category)
	assert.Empty(t, empty.Guidelines)

	who := &domain.Guideline{
		Name:     "WHO",
		Category: "IgA",
		References: []domain.ReferenceInterval{
			{AgeGroup: "0-1", MinValue: 10, MaxValue: 50},
			{AgeGroup: "16+", MinValue: 60, MaxValue: 400},
		},
	}
	require.NoError(t, repo.Upsert(ctx, who))
	require.NoError(t, repo.Upsert(ctx, &domain.Guideline{
		Name: "Local", Category: "IgA",
		References: []domain.ReferenceInterval{{AgeGroup: "0+", MinValue: 1, MaxValue: 2}},
	}))
	require.NoError(t, repo.Upsert(ctx, &domain.Guideline{
		Name: "WHO", Category: "IgG",
		References: []domain.ReferenceInterval{{AgeGroup: "0+", MinValue: 5, MaxValue: 15}},
	}))

	doc, err := repo.GetDocument(ctx, "IgA")
	require.NoError(t, err)
	require.Len(t, doc.Guidelines, 2)
	assert.Equal(t, "WHO", doc.Guidelines[0].Name)
	assert.Equal(t, who.References, doc.Guidelines[0].References)

	// replacing a guideline keeps one entry and moves it to the end
	who.References = []domain.ReferenceInterval{{AgeGroup: "0+", MinValue: 7, MaxValue: 9}}
	require.NoError(t, repo.Upsert(ctx, who))

	doc, err = repo.GetDocument(ctx, "IgA")
	require.NoError(t, err)
	require.Len(t, doc.Guidelines, 2)
	assert.Equal(t, "Local", doc.Guidelines[0].Name)
	assert.Equal(t, "WHO", doc.Guidelines[1].Name)
	assert.Equal(t, 7.0, doc.Guidelines[1].References[0].MinValue)
	assert.False(t, doc.UpdatedAt.IsZero())

	docs, err := repo.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "IgA", docs[0].Category)
	assert.Equal(t, "IgG", docs[1].Category)

	require.NoError(t, repo.Delete(ctx, "IgA", "Local"))
	assert.ErrorIs(t, repo.Delete(ctx, "IgA", "Local"), domain.ErrNotFound)
}

func testResultRepository(t *testing.T, db *database.DB) {
	ctx := context.Background()
	patients := NewPatientRepository(db.Pool, testLogger())
	repo := NewResultRepository(db.Pool, testLogger())

	p := newPatient("Result", "Holder", "2001")
	require.NoError(t, patients.Create(ctx, p))

	first := &domain.TestResult{Value: 1.2, Unit: "g/L", TestDate: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), Age: 7}
	second := &domain.TestResult{Value: 1.5, Unit: "g/L", TestDate: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), Age: 7}
	require.NoError(t, repo.Append(ctx, p.ID, domain.TestIgA, first))
	require.NoError(t, repo.Append(ctx, p.ID, domain.TestIgA, second))
	require.NoError(t, repo.Append(ctx, p.ID, domain.TestIgG, &domain.TestResult{Value: 8, Unit: "g/L", TestDate: first.TestDate, Age: 7}))
	assert.NotEmpty(t, first.ID)

	series, err := repo.Series(ctx, p.ID, domain.TestIgA)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, first.ID, series[0].ID, "insertion order")
	assert.Equal(t, first.TestDate, series[0].TestDate)
	assert.Equal(t, 7, series[0].Age)

	none, err := repo.Series(ctx, p.ID, domain.TestIgM)
	require.NoError(t, err)
	assert.Empty(t, none)

	doc, err := repo.ByPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Result", doc.FirstName)
	assert.Len(t, doc.Series(domain.TestIgA), 2)
	assert.Len(t, doc.Series(domain.TestIgG), 1)
	assert.False(t, doc.LastUpdated.IsZero())

	err = repo.Append(ctx, "00000000-0000-0000-0000-000000000000", domain.TestIgA, &domain.TestResult{Value: 1, TestDate: first.TestDate})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.ByPatient(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
