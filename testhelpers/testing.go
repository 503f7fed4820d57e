package testhelpers

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"mohierarchy/internal/models"
	"mohierarchy/internal/repositories"
	"mohierarchy/pkg/database"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB holds the database connection for testing
type TestDB struct {
	Pool    *pgxpool.Pool
	Cleanup func() error
}

// SetupTestDB opens a migrated pool against TEST_DATABASE_URL. The test is skipped when the variable is unset.
func SetupTestDB(t *testing.T, connString string) *TestDB {
	t.Helper()

	if connString == "" {
		connString = os.Getenv("TEST_DATABASE_URL")
		if connString == "" {
			t.Skip("TEST_DATABASE_URL not set")
		}
	}

	pool, err := pgxpool.New(context.Background(), connString)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := database.Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return &TestDB{
		Pool: pool,
		Cleanup: func() error {
			pool.Close()
			return nil
		},
	}
}

var levelSeq atomic.Int64

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// SetupHierarchy creates a hierarchy named name.
func SetupHierarchy(t *testing.T, store repositories.Store, name string, createEmptyNodes bool) *models.Hierarchy {
	t.Helper()

	h := &models.Hierarchy{Name: name, Author: "test", CreateEmptyNodes: createEmptyNodes}
	if err := store.Repos().Hierarchies.Create(context.Background(), h); err != nil {
		t.Fatalf("Failed to create test hierarchy: %v", err)
	}
	return h
}

// SetupLevel stores lvl without the catalog's write-time validation.
func SetupLevel(t *testing.T, store repositories.Store, lvl *models.Level) *models.Level {
	t.Helper()

	if lvl.Name == "" {
		lvl.Name = fmt.Sprintf("level-%d", levelSeq.Add(1))
	}
	if err := store.Repos().Levels.Create(context.Background(), lvl); err != nil {
		t.Fatalf("Failed to create test level: %v", err)
	}
	return lvl
}

// NewMO builds an MO with every field present.
func NewMO(id, tmoID int64, pID *int64, name string, params map[string]any) *models.MO {
	return &models.MO{ID: id, TMOID: tmoID, PID: pID, Name: name, Active: true, Params: params}
}
