package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/models"
)

const (
	// CacheTTL is the time-to-live for cached metadata (5 minutes)
	CacheTTL = 5 * time.Minute
)

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}

// CachedIndex is a read-through Redis cache in front of another Index.
// Redis failures degrade to the underlying index and are only logged.
type CachedIndex struct {
	inner  Index
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedIndex wraps inner with a Redis cache.
func NewCachedIndex(inner Index, client *redis.Client, ttl time.Duration) *CachedIndex {
	if ttl <= 0 {
		ttl = CacheTTL
	}
	return &CachedIndex{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: zerolog.Nop(),
	}
}

// SetLogger replaces the cache logger.
func (c *CachedIndex) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

func metaKey(id models.ObjectID) string {
	return fmt.Sprintf("meta:%s", id)
}

func altKey(key string) string {
	return fmt.Sprintf("altkey:%s", key)
}

// Put writes through to the underlying index, then drops any cached entries.
func (c *CachedIndex) Put(ctx context.Context, rec models.MetadataRecord) error {
	if err := c.inner.Put(ctx, rec); err != nil {
		return err
	}

	keys := []string{metaKey(rec.ObjectID)}
	if rec.AlternateKey != "" {
		keys = append(keys, altKey(rec.AlternateKey))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Str("object_id", string(rec.ObjectID)).Msg("failed to invalidate metadata cache")
	}
	return nil
}

// Get serves from Redis when possible, filling the cache on a miss.
func (c *CachedIndex) Get(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_metadata",
		trace.WithAttributes(attribute.String("object_id", string(id))),
	)
	defer span.End()

	data, err := c.client.Get(ctx, metaKey(id)).Bytes()
	switch {
	case err == nil:
		var rec models.MetadataRecord
		uerr := json.Unmarshal(data, &rec)
		if uerr == nil {
			span.SetAttributes(attribute.String("cache_status", "hit"))
			return rec, nil
		}
		c.logger.Warn().Err(uerr).Str("object_id", string(id)).Msg("discarding undecodable cache entry")
	case errors.Is(err, redis.Nil):
	default:
		span.RecordError(err)
		c.logger.Warn().Err(err).Str("object_id", string(id)).Msg("metadata cache read failed")
	}
	span.SetAttributes(attribute.String("cache_status", "miss"))

	rec, err := c.inner.Get(ctx, id)
	if err != nil {
		return models.MetadataRecord{}, err
	}
	c.fill(ctx, rec)
	return rec, nil
}

// GetByAlternateKey caches the key-to-id mapping and resolves through Get.
func (c *CachedIndex) GetByAlternateKey(ctx context.Context, key string) (models.MetadataRecord, error) {
	id, err := c.client.Get(ctx, altKey(key)).Result()
	if err == nil {
		return c.Get(ctx, models.ObjectID(id))
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn().Err(err).Str("alternate_key", key).Msg("metadata cache read failed")
	}

	rec, err := c.inner.GetByAlternateKey(ctx, key)
	if err != nil {
		return models.MetadataRecord{}, err
	}
	c.fill(ctx, rec)
	return rec, nil
}

// List is not cached.
func (c *CachedIndex) List(ctx context.Context, filter Filter, page Page) ([]models.MetadataRecord, error) {
	return c.inner.List(ctx, filter, page)
}

func (c *CachedIndex) fill(ctx context.Context, rec models.MetadataRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn().Err(err).Str("object_id", string(rec.ObjectID)).Msg("failed to marshal metadata for cache")
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, metaKey(rec.ObjectID), data, c.ttl)
	if rec.AlternateKey != "" {
		pipe.Set(ctx, altKey(rec.AlternateKey), string(rec.ObjectID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Str("object_id", string(rec.ObjectID)).Msg("failed to update metadata cache")
	}
}
