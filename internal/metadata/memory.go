package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/maneesh/memestream/internal/models"
)

// MemoryIndex is an in-memory Index.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[models.ObjectID]models.MetadataRecord
	altKeys map[string]models.ObjectID
}

// NewMemoryIndex constructs an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		records: make(map[models.ObjectID]models.MetadataRecord),
		altKeys: make(map[string]models.ObjectID),
	}
}

// Put inserts rec if neither its id nor its alternate key is taken.
func (m *MemoryIndex) Put(ctx context.Context, rec models.MetadataRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ObjectID]; ok {
		return ErrConflict
	}
	if rec.AlternateKey != "" {
		if _, ok := m.altKeys[rec.AlternateKey]; ok {
			return ErrConflict
		}
		m.altKeys[rec.AlternateKey] = rec.ObjectID
	}
	m.records[rec.ObjectID] = rec
	return nil
}

// Get returns the record bound to id.
func (m *MemoryIndex) Get(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MetadataRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return models.MetadataRecord{}, ErrNotFound
	}
	return rec, nil
}

// GetByAlternateKey returns the record bound to key.
func (m *MemoryIndex) GetByAlternateKey(ctx context.Context, key string) (models.MetadataRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.MetadataRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.altKeys[key]
	if !ok {
		return models.MetadataRecord{}, ErrNotFound
	}
	return m.records[id], nil
}

// List returns matching records, newest first, honoring page.
func (m *MemoryIndex) List(ctx context.Context, filter Filter, page Page) ([]models.MetadataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page = page.Normalize()

	m.mu.RLock()
	out := make([]models.MetadataRecord, 0, len(m.records))
	for _, rec := range m.records {
		if filter.UploaderID != "" && rec.UploaderID != filter.UploaderID {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ObjectID > out[j].ObjectID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if page.Offset >= len(out) {
		return []models.MetadataRecord{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(out) {
		end = len(out)
	}
	return out[page.Offset:end], nil
}
