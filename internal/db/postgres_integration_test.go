package db

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
)

// postgresIntegrationDSN skips the test unless a database is configured.
func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("SYNCD_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func resetPostgres(t *testing.T, db *DB) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS dedup_ledger",
		"DROP TABLE IF EXISTS records",
		"DROP TABLE IF EXISTS sync_checkpoints",
		"DROP TABLE IF EXISTS sync_operations",
		"DROP TABLE IF EXISTS schema_migrations",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
}

// TestPostgresIntegration_repository verifies the repository against a live server.
func TestPostgresIntegration_repository(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	db, err := OpenDSN(dsn)
	if err != nil {
		t.Fatalf("OpenDSN() failed: %v", err)
	}
	defer db.Close()
	if db.Dialect != DialectPostgres {
		t.Fatalf("Dialect = %q, want postgres", db.Dialect)
	}
	resetPostgres(t, db)
	t.Cleanup(func() { resetPostgres(t, db) })

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	repo := NewRepository(db)
	defer repo.Close()
	ctx := context.Background()

	key := models.ExternalRecordKey{Source: models.SyncTypeContacts, ProviderID: "google-contacts", ExternalID: "c-1"}
	rec := models.RawRecord{ExternalID: "c-1", Payload: []byte(`{"name":"Ada"}`), Timestamp: time.Now()}
	if err := repo.Insert(ctx, "u", key, rec); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := repo.Insert(ctx, "u", key, rec); !errors.Is(err, errors.ErrDuplicate) {
		t.Fatalf("duplicate Insert() = %v", err)
	}
	exists, err := repo.ExistsByKey(ctx, key)
	if err != nil || !exists {
		t.Fatalf("ExistsByKey() = %v, %v", exists, err)
	}

	if err := repo.SaveCheckpoint(ctx, &models.Checkpoint{Type: models.SyncTypeContacts, ProviderID: "google-contacts", Until: 42}); err != nil {
		t.Fatalf("SaveCheckpoint() failed: %v", err)
	}
	cp, err := repo.GetCheckpoint(ctx, models.SyncTypeContacts, "google-contacts")
	if err != nil || cp == nil || cp.Until != 42 {
		t.Fatalf("GetCheckpoint() = %+v, %v", cp, err)
	}

	op := &models.SyncOperation{
		ID:        models.UUID(fmt.Sprintf("it-%d", time.Now().UnixNano())),
		Type:      models.SyncTypeContacts,
		UserID:    "u",
		Status:    models.OperationCompleted,
		StartedAt: time.Now(),
		Progress:  models.Progress{Fetched: 1, Stored: 1, Truncated: true},
	}
	if err := repo.SaveOperation(ctx, op); err != nil {
		t.Fatalf("SaveOperation() failed: %v", err)
	}
	ops, err := repo.ListOperations(ctx, models.SyncTypeContacts, 5)
	if err != nil || len(ops) != 1 || !ops[0].Progress.Truncated {
		t.Fatalf("ListOperations() = %+v, %v", ops, err)
	}
}
