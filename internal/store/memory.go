package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by Product-worker tests. It keeps
// full Store semantics (upsert by identifier, page-scoped delete, ordered
// event log) rather than stubbing them, since the extraction pipeline's
// idempotence properties are asserted against it.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	events  []Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// UpsertRecord inserts or replaces the record for rec.Identifier.
func (m *MemoryStore) UpsertRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Identifier] = rec
	return nil
}

// ListByPage returns the records stored for pageNumber.
func (m *MemoryStore) ListByPage(_ context.Context, pageNumber int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.PageNumber == pageNumber {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteByPage removes every record stored for pageNumber.
func (m *MemoryStore) DeleteByPage(_ context.Context, pageNumber int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, rec := range m.records {
		if rec.PageNumber == pageNumber {
			delete(m.records, id)
			count++
		}
	}
	return count, nil
}

// RecordEvent appends ev to the in-memory audit log.
func (m *MemoryStore) RecordEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the audit log, for assertions.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Count returns the total number of stored records, for assertions.
func (m *MemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() {}
