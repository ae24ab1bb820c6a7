package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/chunker"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

// ErrChecksumMismatch indicates a chunk does not match the digest recorded
// at commit time.
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

// Reader opens committed blobs for streaming.
type Reader struct {
	store storage.ChunkStore
}

// NewReader creates a Reader over store.
func NewReader(store storage.ChunkStore) *Reader {
	return &Reader{store: store}
}

// Open returns a stream over a committed blob. Objects that are still being
// written, were aborted, or never existed all yield ErrNotFound.
func (r *Reader) Open(ctx context.Context, id models.ObjectID) (*Stream, error) {
	ctx, span := tracer.Start(ctx, "blob.open",
		trace.WithAttributes(attribute.String("object_id", string(id))),
	)
	defer span.End()

	it, err := r.store.ReadSequential(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}
	record := it.Record()
	span.SetAttributes(
		attribute.Int64("size_bytes", record.Size),
		attribute.Int("chunk_count", record.ChunkCount),
	)
	return &Stream{ctx: ctx, it: it, record: record}, nil
}

// Stream is a forward-only view of one committed blob. Any error it returns
// other than io.EOF is terminal, and bytes delivered before it must be
// discarded by the consumer.
type Stream struct {
	ctx    context.Context
	it     *storage.ChunkIterator
	record models.BlobRecord

	delivered int64
	buf       []byte
	err       error
}

// Record returns the commit manifest of the blob being read.
func (s *Stream) Record() models.BlobRecord {
	return s.record
}

// Next returns the next chunk in order, or io.EOF once the whole blob has
// been delivered.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	seq := s.it.Sequence()
	data, err := s.it.Next(ctx)
	if err == io.EOF {
		if s.delivered != s.record.Size {
			s.err = fmt.Errorf("%w: delivered %d of %d bytes", storage.ErrTruncated, s.delivered, s.record.Size)
			return nil, s.err
		}
		s.err = io.EOF
		return nil, s.err
	}
	if err != nil {
		s.err = err
		return nil, s.err
	}

	if seq < len(s.record.ChunkHashes) && !chunker.VerifyChunkHash(data, s.record.ChunkHashes[seq]) {
		s.err = fmt.Errorf("%w: chunk %d of %s", ErrChecksumMismatch, seq, s.record.ObjectID)
		return nil, s.err
	}

	s.delivered += int64(len(data))
	if s.delivered > s.record.Size {
		s.err = fmt.Errorf("%w: chunk %d overruns recorded size %d", ErrChecksumMismatch, seq, s.record.Size)
		return nil, s.err
	}
	return data, nil
}

// Read implements io.Reader using the context passed to Open.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		data, err := s.Next(s.ctx)
		if err != nil {
			return 0, err
		}
		s.buf = data
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close releases the stream. Further reads fail.
func (s *Stream) Close() error {
	if s.err == nil {
		s.err = errors.New("blob stream closed")
	}
	s.buf = nil
	return nil
}
