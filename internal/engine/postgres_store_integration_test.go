package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRecordRoundTrip(t *testing.T) {
	store := postgresIntegrationStore(t, "evidencegate_records_it")
	ctx := context.Background()

	record := EvidenceRecord{
		EvidenceID:     "ev_1",
		CaseID:         "case_1",
		ContentHash:    "hash_1",
		SourceLocation: "s3://evidence/ev_1.pdf",
		Status:         StatusPending,
	}
	if err := store.Put(ctx, record, true); err != nil {
		t.Fatalf("conditional put failed: %v", err)
	}

	got, err := store.Get(ctx, "ev_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.CaseID != "case_1" || got.ContentHash != "hash_1" || got.Status != StatusPending {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Fatalf("expected timestamps set: %+v", got)
	}

	record.Status = StatusDone
	if err := store.Put(ctx, record, false); err != nil {
		t.Fatalf("unconditional put failed: %v", err)
	}
	got, err = store.Get(ctx, "ev_1")
	if err != nil || got.Status != StatusDone {
		t.Fatalf("expected done after overwrite, got %+v err=%v", got, err)
	}

	if err := store.Delete(ctx, "ev_1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, "ev_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestPostgresIntegrationConditionalPutConflict(t *testing.T) {
	store := postgresIntegrationStore(t, "evidencegate_conflict_it")
	ctx := context.Background()

	record := EvidenceRecord{EvidenceID: "ev_1", CaseID: "case_1", ContentHash: "hash_1", Status: StatusPending}
	if err := store.Put(ctx, record, true); err != nil {
		t.Fatalf("first conditional put failed: %v", err)
	}
	if err := store.Put(ctx, record, true); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPostgresIntegrationConditionalPutUnderConcurrentWriters(t *testing.T) {
	store := postgresIntegrationStore(t, "evidencegate_race_it")
	ctx := context.Background()

	const writers = 16
	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			record := EvidenceRecord{
				EvidenceID:     "ev_race",
				CaseID:         "case_race",
				ContentHash:    "hash_race",
				SourceLocation: fmt.Sprintf("writer_%d", n),
				Status:         StatusPending,
			}
			if err := store.Put(ctx, record, true); err == nil {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestPostgresIntegrationFindByHashAndCaseQueries(t *testing.T) {
	store := postgresIntegrationStore(t, "evidencegate_hash_it")
	ctx := context.Background()

	seed := []EvidenceRecord{
		{EvidenceID: "ev_old", CaseID: "case_1", ContentHash: "hash_1", Status: StatusDone},
		{EvidenceID: "ev_new", CaseID: "case_1", ContentHash: "hash_1", Status: StatusDone},
		{EvidenceID: "ev_failed", CaseID: "case_1", ContentHash: "hash_1", Status: StatusFailed},
		{EvidenceID: "ev_other", CaseID: "case_2", ContentHash: "hash_1", Status: StatusDone},
	}
	for _, record := range seed {
		if err := store.Put(ctx, record, false); err != nil {
			t.Fatalf("seed %s failed: %v", record.EvidenceID, err)
		}
		// created_at ordering drives FindByHash tie-breaking.
		time.Sleep(5 * time.Millisecond)
	}

	found, err := store.FindByHash(ctx, "case_1", "hash_1")
	if err != nil {
		t.Fatalf("find by hash failed: %v", err)
	}
	if found.EvidenceID != "ev_new" {
		t.Fatalf("expected most recent non-failed record, got %s", found.EvidenceID)
	}
	if _, err := store.FindByHash(ctx, "case_1", "hash_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown hash, got %v", err)
	}

	listed, err := store.ListByCase(ctx, "case_1")
	if err != nil {
		t.Fatalf("list by case failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 records in case_1, got %d", len(listed))
	}

	deleted, err := store.DeleteByCase(ctx, "case_1")
	if err != nil || deleted != 3 {
		t.Fatalf("expected 3 deleted, got %d err=%v", deleted, err)
	}
	if _, err := store.Get(ctx, "ev_other"); err != nil {
		t.Fatalf("other case must be untouched: %v", err)
	}
}

func TestPostgresIntegrationUpdateFields(t *testing.T) {
	store := postgresIntegrationStore(t, "evidencegate_update_it")
	ctx := context.Background()

	record := EvidenceRecord{EvidenceID: "ev_1", CaseID: "case_1", ContentHash: "hash_1", Status: StatusProcessing}
	if err := store.Put(ctx, record, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	updated, err := store.Update(ctx, "ev_1", map[string]any{
		"status":  StatusFailed,
		"message": "index error",
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != StatusFailed || updated.Message != "index error" {
		t.Fatalf("unexpected updated record: %+v", updated)
	}

	if _, err := store.Update(ctx, "ev_missing", map[string]any{"status": "done"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Update(ctx, "ev_1", map[string]any{"caseId": "case_2"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown field, got %v", err)
	}
}

func postgresIntegrationStore(t *testing.T, prefix string) *PostgresMetadataStore {
	t.Helper()
	dsn := postgresIntegrationDSN(t)

	store, err := NewPostgresMetadataStore(dsn)
	if err != nil {
		t.Fatalf("new postgres metadata store: %v", err)
	}
	store.tableName = postgresIntegrationTableName(prefix)
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})
	return store
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("EVIDENCEGATE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set EVIDENCEGATE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
