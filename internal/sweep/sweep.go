package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/metrics"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

var tracer = otel.Tracer("memestream-sweep")

// Sweeper deletes committed blobs that never got metadata bound to them.
type Sweeper struct {
	store    storage.ChunkStore
	index    metadata.Index
	grace    time.Duration
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Sweeper. Blobs younger than grace are never touched. Binds
// are only safe against the sweep when the coordinator was given the same
// grace via SetOrphanGrace.
func New(store storage.ChunkStore, index metadata.Index, grace, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		index:    index,
		grace:    grace,
		interval: interval,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// SetLogger replaces the sweeper logger.
func (s *Sweeper) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetMetrics attaches Prometheus collectors.
func (s *Sweeper) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// RunOnce makes a single pass and returns the ids it reclaimed.
func (s *Sweeper) RunOnce(ctx context.Context) ([]models.ObjectID, error) {
	ctx, span := tracer.Start(ctx, "sweep.run_once")
	defer span.End()

	cutoff := s.now().Add(-s.grace)
	var candidates []models.ObjectID
	err := s.store.ListCommitted(ctx, func(rec models.BlobRecord) error {
		if rec.CreatedAt.After(cutoff) {
			return nil
		}
		_, err := s.index.Get(ctx, rec.ObjectID)
		switch {
		case errors.Is(err, metadata.ErrNotFound):
			candidates = append(candidates, rec.ObjectID)
			return nil
		case err != nil:
			return fmt.Errorf("lookup metadata for %s: %w", rec.ObjectID, err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var reclaimed []models.ObjectID
	for _, id := range candidates {
		// Metadata may have landed since the listing pass.
		if _, err := s.index.Get(ctx, id); !errors.Is(err, metadata.ErrNotFound) {
			if err != nil {
				span.RecordError(err)
				s.logger.Warn().Err(err).Str("object_id", string(id)).Msg("skipping orphan, metadata lookup failed")
			}
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			span.RecordError(err)
			s.logger.Warn().Err(err).Str("object_id", string(id)).Msg("failed to reclaim orphan")
			continue
		}
		s.logger.Info().Str("object_id", string(id)).Msg("reclaimed orphan blob")
		reclaimed = append(reclaimed, id)
	}

	s.metrics.AddOrphansReclaimed(len(reclaimed))
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.Int("reclaimed", len(reclaimed)),
	)
	return reclaimed, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("orphan sweep failed")
			}
		}
	}
}
