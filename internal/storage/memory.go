package storage

import (
	"context"
	"sync"

	"github.com/maneesh/memestream/internal/models"
)

type memoryObject struct {
	mu       sync.RWMutex
	chunks   map[int][]byte
	manifest *models.BlobRecord
}

// MemoryChunkStore is an in-process ChunkStore. The store-wide lock only
// guards the object map; chunk data is guarded per object
type MemoryChunkStore struct {
	mu      sync.RWMutex
	objects map[models.ObjectID]*memoryObject
}

// NewMemoryChunkStore constructs an empty MemoryChunkStore
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		objects: make(map[models.ObjectID]*memoryObject),
	}
}

func (s *MemoryChunkStore) object(id models.ObjectID, create bool) *memoryObject {
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()
	if ok || !create {
		return obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok = s.objects[id]; ok {
		return obj
	}
	obj = &memoryObject{chunks: make(map[int][]byte)}
	s.objects[id] = obj
	return obj
}

// WriteChunk stores a copy of payload
func (s *MemoryChunkStore) WriteChunk(ctx context.Context, id models.ObjectID, seq int, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	obj := s.object(id, true)
	data := make([]byte, len(payload))
	copy(data, payload)

	obj.mu.Lock()
	defer obj.mu.Unlock()
	obj.chunks[seq] = data
	return nil
}

// Commit stores the manifest
func (s *MemoryChunkStore) Commit(ctx context.Context, record models.BlobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	obj := s.object(record.ObjectID, true)
	manifest := record
	manifest.ChunkHashes = append([]string(nil), record.ChunkHashes...)

	obj.mu.Lock()
	defer obj.mu.Unlock()
	obj.manifest = &manifest
	return nil
}

// Stat returns the manifest of a committed object
func (s *MemoryChunkStore) Stat(ctx context.Context, id models.ObjectID) (models.BlobRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.BlobRecord{}, err
	}
	obj := s.object(id, false)
	if obj == nil {
		return models.BlobRecord{}, ErrNotFound
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	if obj.manifest == nil {
		return models.BlobRecord{}, ErrNotFound
	}
	return *obj.manifest, nil
}

// ReadSequential opens an iterator over a committed object
func (s *MemoryChunkStore) ReadSequential(ctx context.Context, id models.ObjectID) (*ChunkIterator, error) {
	record, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	return newChunkIterator(record, s.readChunk), nil
}

func (s *MemoryChunkStore) readChunk(ctx context.Context, id models.ObjectID, seq int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj := s.object(id, false)
	if obj == nil {
		return nil, ErrNotFound
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	data, ok := obj.chunks[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete removes the object
func (s *MemoryChunkStore) Delete(ctx context.Context, id models.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

// DeleteChunk removes a single chunk. It exists so tests can simulate
// medium damage; it is not part of ChunkStore
func (s *MemoryChunkStore) DeleteChunk(id models.ObjectID, seq int) {
	obj := s.object(id, false)
	if obj == nil {
		return
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	delete(obj.chunks, seq)
}

// CorruptChunk flips the first byte of a stored chunk, for tests
func (s *MemoryChunkStore) CorruptChunk(id models.ObjectID, seq int) {
	obj := s.object(id, false)
	if obj == nil {
		return
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if data := obj.chunks[seq]; len(data) > 0 {
		data[0] ^= 0xff
	}
}

// ChunkCount returns how many chunks are stored for id, committed or not
func (s *MemoryChunkStore) ChunkCount(id models.ObjectID) int {
	obj := s.object(id, false)
	if obj == nil {
		return 0
	}
	obj.mu.RLock()
	defer obj.mu.RUnlock()
	return len(obj.chunks)
}

// Exists reports whether anything is stored for id
func (s *MemoryChunkStore) Exists(ctx context.Context, id models.ObjectID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.object(id, false) != nil, nil
}

// ListCommitted calls fn for each committed manifest
func (s *MemoryChunkStore) ListCommitted(ctx context.Context, fn func(models.BlobRecord) error) error {
	s.mu.RLock()
	ids := make([]models.ObjectID, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := s.Stat(ctx, id)
		if err == ErrNotFound {
			continue
		} else if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}
