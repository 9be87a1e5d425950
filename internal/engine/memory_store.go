package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryMetadataStore is the development and test adapter. The conditional
// put is atomic under the store mutex, which is all the reservation needs in
// a single process.
type InMemoryMetadataStore struct {
	mu        sync.Mutex
	records   map[string]EvidenceRecord
	hashIndex map[string][]string
}

func NewInMemoryMetadataStore() *InMemoryMetadataStore {
	return &InMemoryMetadataStore{
		records:   map[string]EvidenceRecord{},
		hashIndex: map[string][]string{},
	}
}

func hashKey(caseID, contentHash string) string {
	return caseID + "|" + contentHash
}

func (s *InMemoryMetadataStore) Put(ctx context.Context, record EvidenceRecord, conditional bool) error {
	if record.EvidenceID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.records[record.EvidenceID]
	if conditional && exists {
		return fmt.Errorf("%w: evidence %s", ErrConflict, record.EvidenceID)
	}
	if exists {
		s.removeFromHashIndexLocked(existing)
	}
	s.records[record.EvidenceID] = record
	key := hashKey(record.CaseID, record.ContentHash)
	s.hashIndex[key] = append(s.hashIndex[key], record.EvidenceID)
	return nil
}

func (s *InMemoryMetadataStore) Get(ctx context.Context, evidenceID string) (EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[evidenceID]
	if !ok {
		return EvidenceRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *InMemoryMetadataStore) Delete(ctx context.Context, evidenceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[evidenceID]
	if !ok {
		return ErrNotFound
	}
	delete(s.records, evidenceID)
	s.removeFromHashIndexLocked(record)
	return nil
}

func (s *InMemoryMetadataStore) Update(ctx context.Context, evidenceID string, fields map[string]any) (EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[evidenceID]
	if !ok {
		return EvidenceRecord{}, ErrNotFound
	}
	for name, value := range fields {
		switch name {
		case "status":
			switch typed := value.(type) {
			case Status:
				record.Status = typed
			case string:
				record.Status = Status(typed)
			}
		case "message":
			if text, ok := value.(string); ok {
				record.Message = text
			}
		case "sourceLocation":
			if text, ok := value.(string); ok {
				record.SourceLocation = text
			}
		}
	}
	record.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	s.records[evidenceID] = record
	return record, nil
}

func (s *InMemoryMetadataStore) FindByHash(ctx context.Context, caseID, contentHash string) (EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest EvidenceRecord
	found := false
	for _, evidenceID := range s.hashIndex[hashKey(caseID, contentHash)] {
		record, ok := s.records[evidenceID]
		if !ok || record.Status == StatusFailed {
			continue
		}
		if !found || record.CreatedAt > latest.CreatedAt {
			latest = record
			found = true
		}
	}
	if !found {
		return EvidenceRecord{}, ErrNotFound
	}
	return latest, nil
}

func (s *InMemoryMetadataStore) ListByCase(ctx context.Context, caseID string) ([]EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EvidenceRecord, 0)
	for _, record := range s.records {
		if record.CaseID == caseID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *InMemoryMetadataStore) DeleteByCase(ctx context.Context, caseID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for evidenceID, record := range s.records {
		if record.CaseID != caseID {
			continue
		}
		delete(s.records, evidenceID)
		s.removeFromHashIndexLocked(record)
		deleted++
	}
	return deleted, nil
}

func (s *InMemoryMetadataStore) removeFromHashIndexLocked(record EvidenceRecord) {
	key := hashKey(record.CaseID, record.ContentHash)
	ids := s.hashIndex[key]
	for i, id := range ids {
		if id == record.EvidenceID {
			s.hashIndex[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.hashIndex[key]) == 0 {
		delete(s.hashIndex, key)
	}
}

type vectorEntry struct {
	Ref      string
	CaseID   string
	Document Document
	Metadata map[string]string
}

// InMemoryVectorIndex mirrors the shape of a remote vector service for
// development and tests.
type InMemoryVectorIndex struct {
	mu         sync.Mutex
	refCounter uint64
	entries    map[string]vectorEntry
}

func NewInMemoryVectorIndex() *InMemoryVectorIndex {
	return &InMemoryVectorIndex{entries: map[string]vectorEntry{}}
}

func (v *InMemoryVectorIndex) IndexDocument(ctx context.Context, evidenceID string, doc Document, metadata map[string]string) (string, error) {
	if evidenceID == "" {
		return "", ErrInvalidInput
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refCounter++
	ref := fmt.Sprintf("vec_%d", v.refCounter)
	v.entries[evidenceID] = vectorEntry{
		Ref:      ref,
		CaseID:   metadata["caseId"],
		Document: doc,
		Metadata: metadata,
	}
	return ref, nil
}

func (v *InMemoryVectorIndex) DeleteByID(ctx context.Context, evidenceID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[evidenceID]; !ok {
		return ErrNotFound
	}
	delete(v.entries, evidenceID)
	return nil
}

func (v *InMemoryVectorIndex) DeleteByCase(ctx context.Context, caseID string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	deleted := 0
	for evidenceID, entry := range v.entries {
		if entry.CaseID == caseID {
			delete(v.entries, evidenceID)
			deleted++
		}
	}
	return deleted, nil
}

func (v *InMemoryVectorIndex) CheckConnectivity(ctx context.Context) error {
	return nil
}

// Len reports the number of indexed documents.
func (v *InMemoryVectorIndex) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Lookup returns the stored entry for an evidence identifier.
func (v *InMemoryVectorIndex) Lookup(evidenceID string) (Document, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.entries[evidenceID]
	return entry.Document, ok
}
