package engine

import (
	"context"
	"errors"
	"time"
)

// IdempotencyGuard detects duplicate submissions by content hash and performs
// the atomic reserve that gives at-most-one-winner semantics under
// concurrent or redelivered invocations.
type IdempotencyGuard struct {
	store MetadataStore
}

func NewIdempotencyGuard(store MetadataStore) *IdempotencyGuard {
	return &IdempotencyGuard{store: store}
}

// FindByHash looks up a prior non-failed record for (caseID, contentHash).
// When the store has no indexed lookup path it falls back to a full scan of
// the case's records; degraded, but never silently dropped. The second return
// is false when no record exists.
func (g *IdempotencyGuard) FindByHash(ctx context.Context, caseID, contentHash string) (EvidenceRecord, bool, error) {
	if caseID == "" || contentHash == "" {
		return EvidenceRecord{}, false, ErrInvalidInput
	}
	record, err := g.store.FindByHash(ctx, caseID, contentHash)
	if err == nil {
		return record, true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return EvidenceRecord{}, false, nil
	}
	if !errors.Is(err, ErrHashLookupUnsupported) {
		return EvidenceRecord{}, false, err
	}

	records, err := g.store.ListByCase(ctx, caseID)
	if err != nil {
		return EvidenceRecord{}, false, err
	}
	var latest EvidenceRecord
	found := false
	for _, candidate := range records {
		if candidate.ContentHash != contentHash || candidate.Status == StatusFailed {
			continue
		}
		if !found || candidate.CreatedAt > latest.CreatedAt {
			latest = candidate
			found = true
		}
	}
	if !found {
		return EvidenceRecord{}, false, nil
	}
	return latest, true, nil
}

// IsAlreadyProcessed is true only when a record exists with status done.
func (g *IdempotencyGuard) IsAlreadyProcessed(ctx context.Context, evidenceID string) (bool, error) {
	if evidenceID == "" {
		return false, ErrInvalidInput
	}
	record, err := g.store.Get(ctx, evidenceID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Status == StatusDone, nil
}

// Reserve performs an atomic insert-if-absent for the evidence identifier.
// Exactly one concurrent caller wins; the rest get a DuplicateError carrying
// the record that holds the reservation, and the winner's record is never
// overwritten.
func (g *IdempotencyGuard) Reserve(ctx context.Context, evidenceID string, record EvidenceRecord) error {
	if evidenceID == "" {
		return ErrInvalidInput
	}
	record.EvidenceID = evidenceID
	if record.Status == "" {
		record.Status = StatusPending
	}
	if record.CreatedAt == "" {
		record.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	err := g.store.Put(ctx, record, true)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		return err
	}
	dup := &DuplicateError{EvidenceID: evidenceID}
	if existing, getErr := g.store.Get(ctx, evidenceID); getErr == nil {
		dup.Existing = &existing
	}
	return dup
}
