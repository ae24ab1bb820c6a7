package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/memestream/internal/models"
)

var (
	// ErrNotFound indicates the object has no committed manifest (or, for
	// Delete, nothing stored at all)
	ErrNotFound = errors.New("object not found")

	// ErrTruncated indicates a committed object is missing chunks
	ErrTruncated = errors.New("object truncated")
)

// ChunkStore persists the chunks of a blob keyed by (object id, sequence)
// and the manifest that marks the blob committed.
//
// Implementations must be safe for concurrent use on distinct object ids.
// Callers present sequence numbers for one object in increasing order with
// no gaps; stores do not reorder
type ChunkStore interface {
	// WriteChunk durably stores one chunk. The payload may be reused by the
	// caller once WriteChunk returns
	WriteChunk(ctx context.Context, id models.ObjectID, seq int, payload []byte) error

	// Commit writes the manifest. It is the last write for an object
	Commit(ctx context.Context, record models.BlobRecord) error

	// Stat returns the manifest of a committed object
	Stat(ctx context.Context, id models.ObjectID) (models.BlobRecord, error)

	// ReadSequential opens a lazy, ordered iterator over a committed object
	ReadSequential(ctx context.Context, id models.ObjectID) (*ChunkIterator, error)

	// Delete removes every chunk and the manifest of id
	Delete(ctx context.Context, id models.ObjectID) error

	// Exists reports whether anything is stored for id, committed or not
	Exists(ctx context.Context, id models.ObjectID) (bool, error)

	// ListCommitted calls fn for every committed manifest
	ListCommitted(ctx context.Context, fn func(models.BlobRecord) error) error
}

// chunkFetcher loads a single chunk; it returns ErrNotFound if absent
type chunkFetcher func(ctx context.Context, id models.ObjectID, seq int) ([]byte, error)

// ChunkIterator yields the payloads of a committed object in sequence order
type ChunkIterator struct {
	record models.BlobRecord
	fetch  chunkFetcher
	next   int
	err    error
}

func newChunkIterator(record models.BlobRecord, fetch chunkFetcher) *ChunkIterator {
	return &ChunkIterator{record: record, fetch: fetch}
}

// Record returns the manifest the iterator walks
func (it *ChunkIterator) Record() models.BlobRecord {
	return it.record
}

// Sequence returns the sequence number the next call to Next will load
func (it *ChunkIterator) Sequence() int {
	return it.next
}

// Next returns the next chunk payload, io.EOF after the last one, or a
// terminal error. A missing chunk surfaces as ErrTruncated
func (it *ChunkIterator) Next(ctx context.Context) ([]byte, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.next >= it.record.ChunkCount {
		it.err = io.EOF
		return nil, it.err
	}

	data, err := it.fetch(ctx, it.record.ObjectID, it.next)
	if errors.Is(err, ErrNotFound) {
		it.err = fmt.Errorf("%w: chunk %d of %d missing for %s", ErrTruncated, it.next, it.record.ChunkCount, it.record.ObjectID)
		return nil, it.err
	} else if err != nil {
		it.err = fmt.Errorf("failed to read chunk %d: %w", it.next, err)
		return nil, it.err
	}

	it.next++
	return data, nil
}
