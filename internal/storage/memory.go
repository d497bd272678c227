// Package storage contains the in-memory metadata store used when no database
// is configured (METADATA_DRIVER=memory) and in tests.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dharsanguruparan/ChannelDrop/internal/model"
)

// MemoryStore keeps canonical records in a map guarded by an RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[int64]*model.CanonicalRecord
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*model.CanonicalRecord)}
}

// Upsert inserts or replaces the record with rec.ID.
func (m *MemoryStore) Upsert(ctx context.Context, rec *model.CanonicalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get returns a copy of the record.
func (m *MemoryStore) Get(_ context.Context, id int64) (*model.CanonicalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("post %d: %w", id, model.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// cloneRecord deep-copies the nullable fields so callers cannot mutate state.
func cloneRecord(rec *model.CanonicalRecord) *model.CanonicalRecord {
	out := *rec
	if rec.Content != nil {
		v := *rec.Content
		out.Content = &v
	}
	if rec.MediaURL != nil {
		v := *rec.MediaURL
		out.MediaURL = &v
	}
	if rec.Width != nil {
		v := *rec.Width
		out.Width = &v
	}
	if rec.Height != nil {
		v := *rec.Height
		out.Height = &v
	}
	return &out
}
