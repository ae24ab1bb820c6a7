package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/chunker"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

var tracer = otel.Tracer("memestream-blob")

// State is the lifecycle position of a Writer.
type State int

const (
	StateAllocated State = iota
	StateWriting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrClosed is returned by Write or Commit after the writer committed or aborted.
	ErrClosed = errors.New("blob writer closed")

	// ErrNotFound is returned when an object is not committed.
	ErrNotFound = storage.ErrNotFound
)

// Writer streams one blob into a ChunkStore. A Writer is owned by a single
// upload; only Abort may be called from another goroutine.
type Writer struct {
	store     storage.ChunkStore
	id        models.ObjectID
	chunkSize int64
	now       func() time.Time

	mu      sync.Mutex
	state   State
	pending []byte
	seq     int
	size    int64
	hashes  []string
}

// NewWriter allocates a fresh object id and returns a writer in the
// Allocated state. Nothing is written to the store yet.
func NewWriter(store storage.ChunkStore, chunkSize int64) *Writer {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("blob: invalid chunk size %d", chunkSize))
	}
	return &Writer{
		store:     store,
		id:        models.NewObjectID(),
		chunkSize: chunkSize,
		now:       time.Now,
		state:     StateAllocated,
		pending:   make([]byte, 0, chunkSize),
	}
}

// ID returns the object id allocated for this upload.
func (w *Writer) ID() models.ObjectID {
	return w.id
}

// State returns the current lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ChunksWritten returns how many chunks have reached the store.
func (w *Writer) ChunksWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Write appends p to the blob, persisting every full chunk it completes.
// A store failure aborts the upload before Write returns.
func (w *Writer) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateCommitted || w.state == StateAborted {
		return ErrClosed
	}
	w.state = StateWriting

	for len(p) > 0 {
		// Full chunks skip the pending buffer.
		if len(w.pending) == 0 && int64(len(p)) >= w.chunkSize {
			if err := w.flushLocked(ctx, p[:w.chunkSize]); err != nil {
				return err
			}
			p = p[w.chunkSize:]
			continue
		}

		room := int(w.chunkSize) - len(w.pending)
		if room > len(p) {
			room = len(p)
		}
		w.pending = append(w.pending, p[:room]...)
		p = p[room:]

		if int64(len(w.pending)) == w.chunkSize {
			if err := w.flushLocked(ctx, w.pending); err != nil {
				return err
			}
			w.pending = w.pending[:0]
		}
	}
	return nil
}

func (w *Writer) flushLocked(ctx context.Context, data []byte) error {
	if err := w.store.WriteChunk(ctx, w.id, w.seq, data); err != nil {
		failed := w.seq
		if aerr := w.abortLocked(ctx); aerr != nil {
			return fmt.Errorf("write chunk %d of %s: %w (%v)", failed, w.id, err, aerr)
		}
		return fmt.Errorf("write chunk %d of %s: %w", failed, w.id, err)
	}
	w.hashes = append(w.hashes, chunker.ComputeHash(data))
	w.size += int64(len(data))
	w.seq++
	return nil
}

// Commit flushes the final partial chunk and writes the manifest. It returns
// only once the store confirms the manifest; after that the blob is visible.
func (w *Writer) Commit(ctx context.Context) (models.BlobRecord, error) {
	ctx, span := tracer.Start(ctx, "blob.commit",
		trace.WithAttributes(attribute.String("object_id", string(w.id))),
	)
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateCommitted || w.state == StateAborted {
		return models.BlobRecord{}, ErrClosed
	}

	if len(w.pending) > 0 {
		if err := w.flushLocked(ctx, w.pending); err != nil {
			span.RecordError(err)
			return models.BlobRecord{}, err
		}
		w.pending = w.pending[:0]
	}

	record := models.BlobRecord{
		ObjectID:    w.id,
		Size:        w.size,
		ChunkCount:  w.seq,
		ChunkSize:   w.chunkSize,
		ChunkHashes: append([]string(nil), w.hashes...),
		CreatedAt:   w.now().UTC(),
	}
	if err := w.store.Commit(ctx, record); err != nil {
		span.RecordError(err)
		if aerr := w.abortLocked(ctx); aerr != nil {
			return models.BlobRecord{}, fmt.Errorf("commit %s: %w (%v)", w.id, err, aerr)
		}
		return models.BlobRecord{}, fmt.Errorf("commit %s: %w", w.id, err)
	}

	w.state = StateCommitted
	span.SetAttributes(
		attribute.Int64("size_bytes", record.Size),
		attribute.Int("chunk_count", record.ChunkCount),
	)
	return record, nil
}

// Abort deletes everything written for this upload. It is a no-op once the
// writer has committed or aborted. The purge runs even if ctx is cancelled.
func (w *Writer) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortLocked(ctx)
}

func (w *Writer) abortLocked(ctx context.Context) error {
	if w.state == StateCommitted || w.state == StateAborted {
		return nil
	}
	w.state = StateAborted
	w.pending = nil

	ctx, span := tracer.Start(context.WithoutCancel(ctx), "blob.abort",
		trace.WithAttributes(
			attribute.String("object_id", string(w.id)),
			attribute.Int("chunks_written", w.seq),
		),
	)
	defer span.End()

	err := w.store.Delete(ctx, w.id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		span.RecordError(err)
		return fmt.Errorf("abort %s: %w", w.id, err)
	}
	return nil
}
