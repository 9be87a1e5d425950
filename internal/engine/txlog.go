package engine

import (
	"fmt"
	"sync"
	"time"
)

type TxStatus string

const (
	TxPending     TxStatus = "PENDING"
	TxCommitted   TxStatus = "COMMITTED"
	TxCompensated TxStatus = "COMPENSATED"
)

const defaultTransactionLogCapacity = 1000

// TransactionRecord is one saga attempt as seen by the diagnostic surface.
// Purely informational; never authoritative.
type TransactionRecord struct {
	TransactionID string   `json:"transactionId"`
	OperationType string   `json:"operationType"`
	Status        TxStatus `json:"status"`
	StartedAt     string   `json:"startedAt"`
	CompletedAt   string   `json:"completedAt,omitempty"`
	Error         string   `json:"error,omitempty"`
	Compensations []string `json:"compensations,omitempty"`
}

// TransactionLog is a bounded, append-only, process-local record of saga
// attempts. Oldest entries are evicted past the capacity. It survives only
// within one process lifetime.
type TransactionLog struct {
	mu       sync.Mutex
	capacity int
	counter  uint64
	entries  []TransactionRecord
}

func NewTransactionLog(capacity int) *TransactionLog {
	if capacity <= 0 {
		capacity = defaultTransactionLogCapacity
	}
	return &TransactionLog{capacity: capacity}
}

// Begin appends a PENDING entry and returns its transaction identifier.
// Identifiers are collision-resistant enough for diagnostics, not globally
// unique.
func (l *TransactionLog) Begin(operationType string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	txnID := fmt.Sprintf("txn_%d_%d", time.Now().UnixNano(), l.counter)
	l.entries = append(l.entries, TransactionRecord{
		TransactionID: txnID,
		OperationType: operationType,
		Status:        TxPending,
		StartedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return txnID
}

// Complete mutates the entry once with its terminal status. A missing entry
// (already evicted) is ignored.
func (l *TransactionLog) Complete(txnID string, status TxStatus, errText string, compensations []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].TransactionID != txnID {
			continue
		}
		l.entries[i].Status = status
		l.entries[i].CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
		l.entries[i].Error = errText
		if len(compensations) > 0 {
			l.entries[i].Compensations = append([]string(nil), compensations...)
		}
		return
	}
}

// Recent returns up to limit entries, newest first.
func (l *TransactionLog) Recent(limit int) []TransactionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]TransactionRecord, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len reports the number of retained entries.
func (l *TransactionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
