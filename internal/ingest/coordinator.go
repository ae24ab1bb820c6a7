package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/blob"
	"github.com/maneesh/memestream/internal/chunker"
	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/metrics"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

var tracer = otel.Tracer("memestream-ingest")

// Coordinator sequences blob commit before metadata binding. A metadata
// record is never written for a blob that did not commit.
type Coordinator struct {
	store   storage.ChunkStore
	index   metadata.Index
	reader  *blob.Reader
	chunker *chunker.Chunker
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// bindWindow bounds how long after commit metadata may still be bound.
	// Zero means no limit.
	bindWindow time.Duration
}

// BindMargin is how long before the orphan grace period ends a bind must
// have finished.
const BindMargin = time.Minute

// ErrBindWindowClosed is returned when a blob is too old to bind because the
// orphan sweep may already be reclaiming it.
var ErrBindWindowClosed = errors.New("bind window closed")

// NewCoordinator wires a chunk store and a metadata index together.
func NewCoordinator(store storage.ChunkStore, index metadata.Index, chunkSize int64) *Coordinator {
	return &Coordinator{
		store:   store,
		index:   index,
		reader:  blob.NewReader(store),
		chunker: chunker.NewChunker(chunkSize),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

// SetLogger replaces the coordinator logger.
func (c *Coordinator) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// SetMetrics attaches Prometheus collectors. Nil disables them.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetOrphanGrace limits binding to blobs younger than grace minus
// BindMargin, so a bind never overlaps the sweep of the same blob. Zero
// removes the limit.
func (c *Coordinator) SetOrphanGrace(grace time.Duration) {
	if grace <= 0 {
		c.bindWindow = 0
		return
	}
	margin := BindMargin
	if margin > grace/2 {
		margin = grace / 2
	}
	c.bindWindow = grace - margin
}

// Ingest streams r into a new blob and, once the blob has committed, binds
// the candidate metadata to it. Failures are returned as *Error.
func (c *Coordinator) Ingest(ctx context.Context, r io.Reader, cand models.Candidate) (models.MetadataRecord, error) {
	start := c.now()
	ctx, span := tracer.Start(ctx, "ingest",
		trace.WithAttributes(attribute.String("uploader_id", cand.UploaderID)),
	)
	defer span.End()

	w := blob.NewWriter(c.store, c.chunker.ChunkSize())
	id := w.ID()
	span.SetAttributes(attribute.String("object_id", string(id)))

	_, err := c.chunker.Stream(r, func(chunk *models.ChunkData) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return w.Write(ctx, chunk.Data)
	})
	if err != nil {
		reason := BlobCommitFailed
		var srcErr *chunker.SourceError
		if errors.As(err, &srcErr) || ctx.Err() != nil {
			reason = SourceStreamFailed
		}
		return c.failBlob(ctx, span, w, reason, err, start)
	}

	blobRec, err := w.Commit(ctx)
	if err != nil {
		reason := BlobCommitFailed
		if ctx.Err() != nil {
			reason = SourceStreamFailed
		}
		return c.failBlob(ctx, span, w, reason, err, start)
	}

	rec, err := c.bind(ctx, blobRec, cand)
	if err != nil {
		span.RecordError(err)
		c.observe(err, blobRec, start)
		return models.MetadataRecord{}, err
	}

	c.observe(nil, blobRec, start)
	c.logger.Info().
		Str("object_id", string(id)).
		Int64("size", blobRec.Size).
		Int("chunks", blobRec.ChunkCount).
		Msg("ingest committed")
	return rec, nil
}

func (c *Coordinator) failBlob(ctx context.Context, span trace.Span, w *blob.Writer, reason Reason, err error, start time.Time) (models.MetadataRecord, error) {
	if aerr := w.Abort(ctx); aerr != nil {
		c.logger.Error().Err(aerr).Str("object_id", string(w.ID())).Msg("failed to purge aborted upload")
	}
	span.RecordError(err)
	c.logger.Warn().Err(err).
		Str("object_id", string(w.ID())).
		Str("reason", string(reason)).
		Msg("ingest failed")
	c.metrics.ObserveIngest(string(reason), 0, 0, c.now().Sub(start))
	return models.MetadataRecord{}, &Error{Reason: reason, Err: err}
}

func (c *Coordinator) observe(err error, blobRec models.BlobRecord, start time.Time) {
	result := "ok"
	var ierr *Error
	if errors.As(err, &ierr) {
		result = string(ierr.Reason)
	}
	c.metrics.ObserveIngest(result, blobRec.Size, blobRec.ChunkCount, c.now().Sub(start))
}

// bind persists metadata for a committed blob.
func (c *Coordinator) bind(ctx context.Context, blobRec models.BlobRecord, cand models.Candidate) (models.MetadataRecord, error) {
	ctx, span := tracer.Start(ctx, "ingest.bind_metadata")
	defer span.End()

	if c.bindWindow > 0 {
		deadline := blobRec.CreatedAt.Add(c.bindWindow)
		if !c.now().Before(deadline) {
			span.RecordError(ErrBindWindowClosed)
			return models.MetadataRecord{}, &Error{Reason: MetadataPersistFailed, ObjectID: blobRec.ObjectID, Err: ErrBindWindowClosed}
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	rec := cand.Bind(blobRec, c.now().UTC())
	if err := c.index.Put(ctx, rec); err != nil {
		span.RecordError(err)
		reason := MetadataPersistFailed
		if errors.Is(err, metadata.ErrValidation) {
			reason = MetadataRejected
		}
		c.logger.Warn().Err(err).
			Str("object_id", string(blobRec.ObjectID)).
			Str("reason", string(reason)).
			Msg("blob committed without metadata")
		return models.MetadataRecord{}, &Error{Reason: reason, ObjectID: blobRec.ObjectID, Err: err}
	}
	return rec, nil
}

// Bind retries metadata for a committed blob that has none, typically one
// left behind by MetadataRejected or MetadataPersistFailed.
func (c *Coordinator) Bind(ctx context.Context, id models.ObjectID, cand models.Candidate) (models.MetadataRecord, error) {
	ctx, span := tracer.Start(ctx, "bind",
		trace.WithAttributes(attribute.String("object_id", string(id))),
	)
	defer span.End()

	blobRec, err := c.store.Stat(ctx, id)
	if err != nil {
		span.RecordError(err)
		return models.MetadataRecord{}, err
	}
	return c.bind(ctx, blobRec, cand)
}

// Fetch resolves key, either an object id or an alternate key, to its
// metadata and opens the blob. Unbound blobs are not served.
func (c *Coordinator) Fetch(ctx context.Context, key string) (models.MetadataRecord, *blob.Stream, error) {
	ctx, span := tracer.Start(ctx, "fetch",
		trace.WithAttributes(attribute.String("key", key)),
	)
	defer span.End()

	var (
		rec models.MetadataRecord
		err error
	)
	if id, perr := models.ParseObjectID(key); perr == nil {
		rec, err = c.index.Get(ctx, id)
	} else {
		rec, err = c.index.GetByAlternateKey(ctx, key)
	}
	if err != nil {
		c.observeFetch(err)
		return models.MetadataRecord{}, nil, err
	}

	stream, err := c.reader.Open(ctx, rec.ObjectID)
	if err != nil {
		span.RecordError(err)
		c.observeFetch(err)
		return models.MetadataRecord{}, nil, fmt.Errorf("open blob %s: %w", rec.ObjectID, err)
	}
	c.metrics.ObserveFetch("ok")
	return rec, stream, nil
}

// FetchBlob opens a committed blob by id without consulting the index.
func (c *Coordinator) FetchBlob(ctx context.Context, id models.ObjectID) (*blob.Stream, error) {
	stream, err := c.reader.Open(ctx, id)
	if err != nil {
		c.observeFetch(err)
		return nil, err
	}
	c.metrics.ObserveFetch("ok")
	return stream, nil
}

func (c *Coordinator) observeFetch(err error) {
	if errors.Is(err, metadata.ErrNotFound) || errors.Is(err, storage.ErrNotFound) {
		c.metrics.ObserveFetch("not_found")
		return
	}
	c.metrics.ObserveFetch("error")
}

// LookupMetadata returns the record bound to id.
func (c *Coordinator) LookupMetadata(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error) {
	return c.index.Get(ctx, id)
}

// List returns metadata records newest first.
func (c *Coordinator) List(ctx context.Context, filter metadata.Filter, page metadata.Page) ([]models.MetadataRecord, error) {
	return c.index.List(ctx, filter, page.Normalize())
}
