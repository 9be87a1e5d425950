package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName = "evidence_records"
	postgresInitTimeout      = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresMetadataStore is the production MetadataStore adapter. The
// conditional put maps to INSERT .. ON CONFLICT DO NOTHING, which is a single
// atomic statement at the store and therefore gives at-most-one-winner
// reservation semantics without external locks.
type PostgresMetadataStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresMetadataStore(dsn string) (*PostgresMetadataStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresMetadataStore{
		dsn:       dsn,
		tableName: postgresRecordsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresMetadataStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresInitTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				evidence_id TEXT PRIMARY KEY,
				case_id TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				source_location TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_case_hash_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (case_id, content_hash)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresMetadataStore) Put(ctx context.Context, record EvidenceRecord, conditional bool) error {
	if record.EvidenceID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if conditional {
		query := fmt.Sprintf(`
			INSERT INTO %s (evidence_id, case_id, content_hash, source_location, status, message, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (evidence_id) DO NOTHING`, postgresQuoteIdentifier(s.tableName))
		result, err := s.db.ExecContext(ctx, query,
			record.EvidenceID, record.CaseID, record.ContentHash,
			record.SourceLocation, string(record.Status), record.Message)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: evidence %s", ErrConflict, record.EvidenceID)
		}
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (evidence_id, case_id, content_hash, source_location, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (evidence_id)
		DO UPDATE SET case_id = EXCLUDED.case_id, content_hash = EXCLUDED.content_hash,
			source_location = EXCLUDED.source_location, status = EXCLUDED.status,
			message = EXCLUDED.message, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query,
		record.EvidenceID, record.CaseID, record.ContentHash,
		record.SourceLocation, string(record.Status), record.Message)
	return err
}

func (s *PostgresMetadataStore) Get(ctx context.Context, evidenceID string) (EvidenceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return EvidenceRecord{}, err
	}
	query := fmt.Sprintf(`
		SELECT evidence_id, case_id, content_hash, source_location, status, message, created_at, updated_at
		FROM %s WHERE evidence_id = $1`, postgresQuoteIdentifier(s.tableName))
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, evidenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return EvidenceRecord{}, ErrNotFound
	}
	return record, err
}

func (s *PostgresMetadataStore) Delete(ctx context.Context, evidenceID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE evidence_id = $1", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, evidenceID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresMetadataStore) Update(ctx context.Context, evidenceID string, fields map[string]any) (EvidenceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return EvidenceRecord{}, err
	}
	assignments := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	columns := map[string]string{
		"status":         "status",
		"message":        "message",
		"sourceLocation": "source_location",
	}
	for name, value := range fields {
		column, ok := columns[name]
		if !ok {
			return EvidenceRecord{}, fmt.Errorf("%w: unknown field %s", ErrInvalidInput, name)
		}
		args = append(args, fmt.Sprintf("%v", value))
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if len(assignments) == 0 {
		return EvidenceRecord{}, ErrInvalidInput
	}
	args = append(args, evidenceID)
	query := fmt.Sprintf(`
		UPDATE %s SET %s, updated_at = NOW()
		WHERE evidence_id = $%d
		RETURNING evidence_id, case_id, content_hash, source_location, status, message, created_at, updated_at`,
		postgresQuoteIdentifier(s.tableName), strings.Join(assignments, ", "), len(args))
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return EvidenceRecord{}, ErrNotFound
	}
	return record, err
}

func (s *PostgresMetadataStore) FindByHash(ctx context.Context, caseID, contentHash string) (EvidenceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return EvidenceRecord{}, err
	}
	query := fmt.Sprintf(`
		SELECT evidence_id, case_id, content_hash, source_location, status, message, created_at, updated_at
		FROM %s
		WHERE case_id = $1 AND content_hash = $2 AND status <> $3
		ORDER BY created_at DESC
		LIMIT 1`, postgresQuoteIdentifier(s.tableName))
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, caseID, contentHash, string(StatusFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return EvidenceRecord{}, ErrNotFound
	}
	return record, err
}

func (s *PostgresMetadataStore) ListByCase(ctx context.Context, caseID string) ([]EvidenceRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT evidence_id, case_id, content_hash, source_location, status, message, created_at, updated_at
		FROM %s WHERE case_id = $1 ORDER BY created_at ASC`, postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]EvidenceRecord, 0)
	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresMetadataStore) DeleteByCase(ctx context.Context, caseID string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE case_id = $1", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, caseID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PostgresMetadataStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (EvidenceRecord, error) {
	var record EvidenceRecord
	var status string
	var createdAt, updatedAt time.Time
	err := row.Scan(&record.EvidenceID, &record.CaseID, &record.ContentHash,
		&record.SourceLocation, &status, &record.Message, &createdAt, &updatedAt)
	if err != nil {
		return EvidenceRecord{}, err
	}
	record.Status = Status(status)
	record.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	record.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return record, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
