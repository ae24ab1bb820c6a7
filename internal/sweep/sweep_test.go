package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func commitBlob(t *testing.T, store storage.ChunkStore, created time.Time) models.ObjectID {
	t.Helper()
	ctx := context.Background()
	id := models.NewObjectID()
	if err := store.WriteChunk(ctx, id, 0, []byte("pixels")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := store.Commit(ctx, models.BlobRecord{ObjectID: id, Size: 6, ChunkCount: 1, ChunkSize: 16, CreatedAt: created}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryChunkStore()
	index := metadata.NewMemoryIndex()

	oldOrphan := commitBlob(t, store, epoch.Add(-2*time.Hour))
	freshOrphan := commitBlob(t, store, epoch.Add(-time.Minute))
	bound := commitBlob(t, store, epoch.Add(-3*time.Hour))
	if err := index.Put(ctx, models.MetadataRecord{ObjectID: bound, UploaderID: "u1", Size: 6, CreatedAt: epoch}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := New(store, index, time.Hour, time.Minute)
	s.now = func() time.Time { return epoch }

	reclaimed, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != oldOrphan {
		t.Fatalf("reclaimed = %v, want [%s]", reclaimed, oldOrphan)
	}

	tests := []struct {
		name string
		id   models.ObjectID
		want error
	}{
		{name: "old orphan", id: oldOrphan, want: storage.ErrNotFound},
		{name: "orphan inside grace", id: freshOrphan},
		{name: "bound blob", id: bound},
	}
	for _, tt := range tests {
		_, err := store.Stat(ctx, tt.id)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: Stat = %v, want %v", tt.name, err, tt.want)
		}
	}

	again, err := s.RunOnce(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("second RunOnce = %v, %v; want nothing", again, err)
	}
}

type brokenIndex struct {
	*metadata.MemoryIndex
}

var errIndexDown = errors.New("index unavailable")

func (brokenIndex) Get(context.Context, models.ObjectID) (models.MetadataRecord, error) {
	return models.MetadataRecord{}, errIndexDown
}

func TestRunOnceKeepsBlobsWhenIndexFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryChunkStore()
	id := commitBlob(t, store, epoch.Add(-48*time.Hour))

	s := New(store, brokenIndex{metadata.NewMemoryIndex()}, time.Hour, time.Minute)
	s.now = func() time.Time { return epoch }

	if _, err := s.RunOnce(ctx); !errors.Is(err, errIndexDown) {
		t.Fatalf("RunOnce = %v, want errIndexDown", err)
	}
	if _, err := store.Stat(ctx, id); err != nil {
		t.Fatalf("blob deleted despite index failure: %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	store := storage.NewMemoryChunkStore()
	id := commitBlob(t, store, time.Now().Add(-time.Hour))
	s := New(store, metadata.NewMemoryIndex(), time.Millisecond, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if _, err := store.Stat(context.Background(), id); errors.Is(err, storage.ErrNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("orphan was not swept")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// lateBindIndex reports an id as unbound once, then binds it, as if a Put
// landed between the listing pass and the delete.
type lateBindIndex struct {
	*metadata.MemoryIndex
	mu   sync.Mutex
	seen map[models.ObjectID]bool
}

func (l *lateBindIndex) Get(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error) {
	l.mu.Lock()
	first := !l.seen[id]
	l.seen[id] = true
	l.mu.Unlock()
	if first {
		rec, err := l.MemoryIndex.Get(ctx, id)
		if err := l.MemoryIndex.Put(ctx, models.MetadataRecord{ObjectID: id, UploaderID: "u1", Size: 6, CreatedAt: epoch}); err != nil {
			return models.MetadataRecord{}, err
		}
		return rec, err
	}
	return l.MemoryIndex.Get(ctx, id)
}

func TestRunOnceRechecksBeforeDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryChunkStore()
	id := commitBlob(t, store, epoch.Add(-48*time.Hour))
	index := &lateBindIndex{MemoryIndex: metadata.NewMemoryIndex(), seen: map[models.ObjectID]bool{}}

	s := New(store, index, time.Hour, time.Minute)
	s.now = func() time.Time { return epoch }

	reclaimed, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("reclaimed = %v, want nothing", reclaimed)
	}
	if _, err := store.Stat(ctx, id); err != nil {
		t.Fatalf("blob bound mid-sweep was deleted: %v", err)
	}
}
