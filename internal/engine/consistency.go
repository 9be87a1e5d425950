package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// CompensatingAction is the undo for one completed saga step. Owned
// exclusively by the saga attempt that registered it; never shared.
type CompensatingAction struct {
	Name     string
	Undo     func(ctx context.Context) error
	executed bool
}

// Executed reports whether the undo has run.
func (a *CompensatingAction) Executed() bool {
	return a.executed
}

// ClearCaseResult carries independent per-store outcomes of a bulk clear;
// bulk cleanup is explicitly not atomic.
type ClearCaseResult struct {
	CaseID                  string `json:"caseId"`
	MetadataDeleted         int    `json:"metadataDeleted"`
	MetadataError           string `json:"metadataError,omitempty"`
	VectorCollectionDeleted bool   `json:"vectorCollectionDeleted"`
	VectorDeleted           int    `json:"vectorDeleted"`
	VectorError             string `json:"vectorError,omitempty"`
}

type ManagerOptions struct {
	Metadata       MetadataStore
	Vector         VectorIndex
	Retry          RetryPolicy
	TransactionLog *TransactionLog
}

// ConsistencyManager orchestrates multi-step writes across the metadata store
// and the vector index as a saga. Only the two-step create path is protected
// by compensation: it is the only operation where a half-written state is
// actively harmful. Deletes and bulk clears favor forward progress.
//
// One saga attempt executes synchronously in the calling goroutine; the
// manager holds no mutable state of its own beyond the transaction log.
// Construct one instance per process and inject it into the pipeline.
type ConsistencyManager struct {
	metadata MetadataStore
	vector   VectorIndex
	retry    RetryPolicy
	txlog    *TransactionLog
}

func NewConsistencyManager(opts ManagerOptions) *ConsistencyManager {
	txlog := opts.TransactionLog
	if txlog == nil {
		txlog = NewTransactionLog(0)
	}
	return &ConsistencyManager{
		metadata: opts.Metadata,
		vector:   opts.Vector,
		retry:    opts.Retry,
		txlog:    txlog,
	}
}

// RecentTransactions exposes the diagnostic view of the transaction log.
func (m *ConsistencyManager) RecentTransactions(limit int) []TransactionRecord {
	return m.txlog.Recent(limit)
}

// CreateWithIndex writes record to the metadata store and, unless skipIndex,
// indexes doc into the vector store keyed by the record's identifier. If the
// index step fails, registered compensations run in reverse order (deleting
// the just-written record), the transaction is marked COMPENSATED, and a
// ConsistencyError names the failed step. Either both stores end up updated
// or neither does; a vector-only state is never left behind.
func (m *ConsistencyManager) CreateWithIndex(ctx context.Context, record EvidenceRecord, doc Document, skipIndex bool) (EvidenceRecord, error) {
	if record.EvidenceID == "" || record.CaseID == "" {
		return EvidenceRecord{}, ErrInvalidInput
	}
	if record.Status == "" {
		record.Status = StatusDone
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if record.CreatedAt == "" {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	txnID := m.txlog.Begin("create_with_index")
	compensations := make([]*CompensatingAction, 0, 1)

	err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.metadata.Put(ctx, record, false)
	})
	if err != nil {
		m.txlog.Complete(txnID, TxCompensated, err.Error(), nil)
		return EvidenceRecord{}, &ConsistencyError{
			Op:   "create_with_index",
			Step: "metadata-put",
			Err:  err,
		}
	}
	evidenceID := record.EvidenceID
	compensations = append(compensations, &CompensatingAction{
		Name: "delete-metadata-record",
		Undo: func(ctx context.Context) error {
			return m.metadata.Delete(ctx, evidenceID)
		},
	})

	if !skipIndex {
		indexErr := m.retry.Do(ctx, func(ctx context.Context) error {
			_, err := m.vector.IndexDocument(ctx, record.EvidenceID, doc, map[string]string{
				"caseId":      record.CaseID,
				"contentHash": record.ContentHash,
			})
			return err
		})
		if indexErr != nil {
			failures := m.runCompensations(ctx, compensations)
			consErr := &ConsistencyError{
				Op:                   "create_with_index",
				Step:                 "vector-index",
				PartialSuccess:       len(failures) > 0,
				CompensationFailures: failures,
				Err:                  indexErr,
			}
			m.txlog.Complete(txnID, TxCompensated, consErr.Error(), compensationNames(compensations))
			return EvidenceRecord{}, consErr
		}
	}

	m.txlog.Complete(txnID, TxCommitted, "", nil)
	return record, nil
}

// DeleteWithIndex removes the record from the metadata store and, best
// effort, from the vector index. The metadata delete is authoritative and
// its failure fails the call; a vector-store failure is logged and recorded
// in the transaction log but does not fail the call or trigger compensation.
// An orphaned vector entry is filterable by metadata existence, while
// blocking a user-requested delete on a secondary-index failure is worse.
func (m *ConsistencyManager) DeleteWithIndex(ctx context.Context, caseID, evidenceID string) error {
	if caseID == "" || evidenceID == "" {
		return ErrInvalidInput
	}
	txnID := m.txlog.Begin("delete_with_index")

	err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.metadata.Delete(ctx, evidenceID)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.txlog.Complete(txnID, TxCompensated, err.Error(), nil)
		return &ConsistencyError{
			Op:   "delete_with_index",
			Step: "metadata-delete",
			Err:  err,
		}
	}

	vectorErrText := ""
	vectorErr := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.vector.DeleteByID(ctx, evidenceID)
	})
	if vectorErr != nil && !errors.Is(vectorErr, ErrNotFound) {
		vectorErrText = fmt.Sprintf("vector delete skipped: %v", vectorErr)
		log.Printf("delete_with_index: best-effort vector delete failed for %s: %v", evidenceID, vectorErr)
	}

	m.txlog.Complete(txnID, TxCommitted, vectorErrText, nil)
	return nil
}

// UpdateMetadata mutates fields on an existing record. Single-store, no
// compensation. Fails with a not-found ConsistencyError when the record does
// not exist or belongs to a different case.
func (m *ConsistencyManager) UpdateMetadata(ctx context.Context, evidenceID, caseID string, updates map[string]any) (EvidenceRecord, error) {
	if evidenceID == "" || len(updates) == 0 {
		return EvidenceRecord{}, ErrInvalidInput
	}
	txnID := m.txlog.Begin("update_metadata")

	existing, err := m.metadata.Get(ctx, evidenceID)
	if err == nil && caseID != "" && existing.CaseID != caseID {
		err = ErrNotFound
	}
	if err != nil {
		m.txlog.Complete(txnID, TxCompensated, err.Error(), nil)
		if errors.Is(err, ErrNotFound) {
			return EvidenceRecord{}, &ConsistencyError{
				Op:   "update_metadata",
				Step: "metadata-get",
				Err:  fmt.Errorf("%w: evidence %s", ErrNotFound, evidenceID),
			}
		}
		return EvidenceRecord{}, err
	}

	var updated EvidenceRecord
	err = m.retry.Do(ctx, func(ctx context.Context) error {
		var updateErr error
		updated, updateErr = m.metadata.Update(ctx, evidenceID, updates)
		return updateErr
	})
	if err != nil {
		m.txlog.Complete(txnID, TxCompensated, err.Error(), nil)
		if errors.Is(err, ErrNotFound) {
			return EvidenceRecord{}, &ConsistencyError{
				Op:   "update_metadata",
				Step: "metadata-update",
				Err:  fmt.Errorf("%w: evidence %s", ErrNotFound, evidenceID),
			}
		}
		return EvidenceRecord{}, &ConsistencyError{
			Op:   "update_metadata",
			Step: "metadata-update",
			Err:  err,
		}
	}

	m.txlog.Complete(txnID, TxCommitted, "", nil)
	return updated, nil
}

// ClearCaseData bulk-deletes a case from both stores, best effort per store.
// It returns independent counts and flags rather than an all-or-nothing
// result. When deleteVectorCollection is false the vector store is never
// touched. Connectivity is checked before the destructive vector bulk delete.
func (m *ConsistencyManager) ClearCaseData(ctx context.Context, caseID string, deleteVectorCollection bool) (ClearCaseResult, error) {
	if caseID == "" {
		return ClearCaseResult{}, ErrInvalidInput
	}
	txnID := m.txlog.Begin("clear_case_data")
	result := ClearCaseResult{CaseID: caseID}

	deleted, err := m.metadata.DeleteByCase(ctx, caseID)
	result.MetadataDeleted = deleted
	if err != nil {
		result.MetadataError = err.Error()
		log.Printf("clear_case_data: metadata bulk delete for %s: %v", caseID, err)
	}

	if deleteVectorCollection {
		if connErr := m.vector.CheckConnectivity(ctx); connErr != nil {
			result.VectorError = connErr.Error()
			log.Printf("clear_case_data: vector index unreachable for %s: %v", caseID, connErr)
		} else {
			vectorDeleted, vectorErr := m.vector.DeleteByCase(ctx, caseID)
			result.VectorDeleted = vectorDeleted
			if vectorErr != nil {
				result.VectorError = vectorErr.Error()
				log.Printf("clear_case_data: vector bulk delete for %s: %v", caseID, vectorErr)
			} else {
				result.VectorCollectionDeleted = true
			}
		}
	}

	errText := result.MetadataError
	if errText == "" {
		errText = result.VectorError
	}
	status := TxCommitted
	if errText != "" {
		status = TxCompensated
	}
	m.txlog.Complete(txnID, status, errText, nil)
	return result, nil
}

// runCompensations executes actions in reverse registration order, marking
// each executed. Failures are collected and reported, never swallowed.
func (m *ConsistencyManager) runCompensations(ctx context.Context, actions []*CompensatingAction) []string {
	var failures []string
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		if action.executed {
			continue
		}
		action.executed = true
		if err := action.Undo(ctx); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", action.Name, err))
			log.Printf("compensation %s failed: %v", action.Name, err)
		}
	}
	return failures
}

func compensationNames(actions []*CompensatingAction) []string {
	names := make([]string, 0, len(actions))
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].executed {
			names = append(names, actions[i].Name)
		}
	}
	return names
}
