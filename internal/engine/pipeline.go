package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// Notification is one "evidence ready" delivery from the upstream trigger.
// Delivery is at-least-once; EvidenceID is the stable identifier the
// reservation is keyed on.
type Notification struct {
	EvidenceID     string            `json:"evidenceId"`
	CaseID         string            `json:"caseId"`
	ContentHash    string            `json:"contentHash,omitempty"`
	SourceLocation string            `json:"sourceLocation,omitempty"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
}

type ProcessResult struct {
	Status        string `json:"status"`
	EvidenceID    string `json:"evidenceId"`
	CaseID        string `json:"caseId"`
	ContentHash   string `json:"contentHash"`
	CorrelationID string `json:"correlationId,omitempty"`
}

const (
	ResultProcessed   = "processed"
	ResultDuplicate   = "duplicate"
	ResultAlreadyDone = "already_done"
	ResultFailed      = "failed"
)

// PipelineStats are process-local ingest counters.
type PipelineStats struct {
	ProcessedTotal   uint64 `json:"processedTotal"`
	DuplicateTotal   uint64 `json:"duplicateTotal"`
	AlreadyDoneTotal uint64 `json:"alreadyDoneTotal"`
	FailedTotal      uint64 `json:"failedTotal"`
}

// Pipeline is the evidence-processing caller around the engine: guard first,
// then the saga. Each invocation handles one evidence item end to end in the
// calling goroutine; concurrency arises only from external redelivery.
type Pipeline struct {
	guard   *IdempotencyGuard
	manager *ConsistencyManager
	store   MetadataStore

	processedTotal   uint64
	duplicateTotal   uint64
	alreadyDoneTotal uint64
	failedTotal      uint64
}

func NewPipeline(guard *IdempotencyGuard, manager *ConsistencyManager, store MetadataStore) *Pipeline {
	return &Pipeline{guard: guard, manager: manager, store: store}
}

// HashContent is the deterministic content fingerprint used for duplicate
// detection when the upstream did not supply one.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Process runs one notification through dedupe, reservation and the
// dual-store saga. Duplicate deliveries come back as a distinguishable
// non-error outcome so the upstream can acknowledge them without rerunning
// the expensive downstream work. A saga failure marks the record failed and
// returns the error; retrying safely is the guard's job on the next
// delivery, not the caller's.
func (p *Pipeline) Process(ctx context.Context, n Notification) (ProcessResult, error) {
	if n.EvidenceID == "" || n.CaseID == "" {
		return ProcessResult{}, ErrInvalidInput
	}
	if n.ContentHash == "" {
		if n.Content == "" {
			return ProcessResult{}, ErrInvalidInput
		}
		n.ContentHash = HashContent(n.Content)
	}
	result := ProcessResult{
		EvidenceID:    n.EvidenceID,
		CaseID:        n.CaseID,
		ContentHash:   n.ContentHash,
		CorrelationID: n.CorrelationID,
	}

	done, err := p.guard.IsAlreadyProcessed(ctx, n.EvidenceID)
	if err != nil {
		return ProcessResult{}, err
	}
	if done {
		atomic.AddUint64(&p.alreadyDoneTotal, 1)
		result.Status = ResultAlreadyDone
		return result, nil
	}

	if prior, found, err := p.guard.FindByHash(ctx, n.CaseID, n.ContentHash); err != nil {
		return ProcessResult{}, err
	} else if found && prior.EvidenceID != n.EvidenceID {
		atomic.AddUint64(&p.duplicateTotal, 1)
		result.Status = ResultDuplicate
		return result, nil
	}

	record := EvidenceRecord{
		EvidenceID:     n.EvidenceID,
		CaseID:         n.CaseID,
		ContentHash:    n.ContentHash,
		SourceLocation: n.SourceLocation,
		Status:         StatusProcessing,
	}
	if err := p.guard.Reserve(ctx, n.EvidenceID, record); err != nil {
		var dup *DuplicateError
		if !errors.As(err, &dup) {
			return ProcessResult{}, err
		}
		if dup.Existing == nil || dup.Existing.Status != StatusFailed {
			atomic.AddUint64(&p.duplicateTotal, 1)
			result.Status = ResultDuplicate
			return result, nil
		}
		// A failed prior attempt for the same identifier: redelivery repairs
		// it by reprocessing. The failed marker is replaced below by the saga.
		record.CreatedAt = dup.Existing.CreatedAt
	}

	record.Status = StatusDone
	doc := Document{Content: n.Content, Metadata: n.Metadata}
	if _, err := p.manager.CreateWithIndex(ctx, record, doc, false); err != nil {
		p.markFailed(ctx, record, err)
		atomic.AddUint64(&p.failedTotal, 1)
		result.Status = ResultFailed
		return result, err
	}

	atomic.AddUint64(&p.processedTotal, 1)
	result.Status = ResultProcessed
	return result, nil
}

// markFailed leaves a failed-status record behind so listings surface the
// error and a later redelivery is allowed to retry. Best effort: the saga
// already compensated the stores.
func (p *Pipeline) markFailed(ctx context.Context, record EvidenceRecord, cause error) {
	record.Status = StatusFailed
	record.Message = cause.Error()
	record.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if err := p.store.Put(ctx, record, false); err != nil {
		log.Printf("pipeline: failed to mark %s failed: %v", record.EvidenceID, err)
	}
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		ProcessedTotal:   atomic.LoadUint64(&p.processedTotal),
		DuplicateTotal:   atomic.LoadUint64(&p.duplicateTotal),
		AlreadyDoneTotal: atomic.LoadUint64(&p.alreadyDoneTotal),
		FailedTotal:      atomic.LoadUint64(&p.failedTotal),
	}
}
