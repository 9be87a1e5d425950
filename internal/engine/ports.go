package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrDuplicate             = errors.New("duplicate reservation")
	ErrInvalidInput          = errors.New("invalid input")
	ErrHashLookupUnsupported = errors.New("hash lookup unsupported")
	ErrNotImplemented        = errors.New("not implemented")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// EvidenceRecord is the authoritative metadata row for one evidence item.
// At most one non-failed record exists per (CaseID, ContentHash); the guard's
// conditional reservation enforces this, not the store's native uniqueness.
type EvidenceRecord struct {
	EvidenceID     string `json:"evidenceId"`
	CaseID         string `json:"caseId"`
	ContentHash    string `json:"contentHash"`
	SourceLocation string `json:"sourceLocation,omitempty"`
	Status         Status `json:"status"`
	Message        string `json:"message,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// Document is the searchable representation handed to the vector index.
type Document struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DuplicateError reports that a reservation for the evidence identifier is
// already held. Callers should skip, not retry.
type DuplicateError struct {
	EvidenceID string
	Existing   *EvidenceRecord
}

func (e *DuplicateError) Error() string {
	if e.EvidenceID == "" {
		return "duplicate reservation"
	}
	return fmt.Sprintf("duplicate reservation for %s", e.EvidenceID)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// ConsistencyError reports that a saga attempt could not reach a fully
// committed or fully compensated state, or that an update targeted a missing
// record. PartialSuccess is true only when compensation itself failed and a
// half-written state may remain.
type ConsistencyError struct {
	Op                   string
	Step                 string
	PartialSuccess       bool
	CompensationFailures []string
	Err                  error
}

func (e *ConsistencyError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Step != "" {
		b.WriteString(": step ")
		b.WriteString(e.Step)
		b.WriteString(" failed")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.CompensationFailures) > 0 {
		b.WriteString(" (compensation failures: ")
		b.WriteString(strings.Join(e.CompensationFailures, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *ConsistencyError) Unwrap() error {
	return e.Err
}

// MetadataStore is the authoritative record store for evidence items.
//
// Put with conditional=true must be a single atomic insert-if-absent at the
// store: it fails with ErrConflict when the key already exists and never
// overwrites. This is the only concurrency-control primitive the engine
// relies on for at-most-one-winner reservation semantics.
//
// FindByHash returns the most recent non-failed record for (caseID,
// contentHash), ErrNotFound when there is none, or ErrHashLookupUnsupported
// when the store has no indexed lookup path; the guard then falls back to a
// full scan over ListByCase.
type MetadataStore interface {
	Put(ctx context.Context, record EvidenceRecord, conditional bool) error
	Get(ctx context.Context, evidenceID string) (EvidenceRecord, error)
	Delete(ctx context.Context, evidenceID string) error
	Update(ctx context.Context, evidenceID string, fields map[string]any) (EvidenceRecord, error)
	FindByHash(ctx context.Context, caseID, contentHash string) (EvidenceRecord, error)
	ListByCase(ctx context.Context, caseID string) ([]EvidenceRecord, error)
	DeleteByCase(ctx context.Context, caseID string) (int, error)
}

// VectorIndex is the derived secondary store. It may lag or be pruned without
// violating metadata-store correctness; deletes are best-effort from the
// engine's point of view. CheckConnectivity is called before destructive bulk
// operations.
type VectorIndex interface {
	IndexDocument(ctx context.Context, evidenceID string, doc Document, metadata map[string]string) (string, error)
	DeleteByID(ctx context.Context, evidenceID string) error
	DeleteByCase(ctx context.Context, caseID string) (int, error)
	CheckConnectivity(ctx context.Context) error
}
