package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/models"
)

var tracer = otel.Tracer("memestream-storage")

const (
	blobPrefix   = "blobs/"
	manifestName = "manifest.json"
)

func objectPrefix(id models.ObjectID) string {
	return blobPrefix + string(id) + "/"
}

func chunkKey(id models.ObjectID, seq int) string {
	return fmt.Sprintf("%schunks/%08d", objectPrefix(id), seq)
}

func manifestKey(id models.ObjectID) string {
	return objectPrefix(id) + manifestName
}

// MinioChunkStore stores chunks and manifests as objects in a MinIO bucket
type MinioChunkStore struct {
	client     *minio.Client
	bucketName string
	logger     zerolog.Logger
}

// NewMinioClient connects to MinIO and ensures the bucket exists
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return client, nil
}

// NewMinioChunkStore wraps an existing client. The medium handle is owned by
// the caller
func NewMinioChunkStore(client *minio.Client, bucketName string) *MinioChunkStore {
	return &MinioChunkStore{
		client:     client,
		bucketName: bucketName,
		logger:     zerolog.Nop(),
	}
}

// SetLogger replaces the store logger
func (mc *MinioChunkStore) SetLogger(logger zerolog.Logger) {
	mc.logger = logger
}

// isNoSuchKey matches only a missing key. A missing bucket is a
// configuration fault, not an absent object
func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (mc *MinioChunkStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := mc.client.PutObject(ctx, mc.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (mc *MinioChunkStore) get(ctx context.Context, key string) ([]byte, error) {
	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// WriteChunk uploads one chunk object
func (mc *MinioChunkStore) WriteChunk(ctx context.Context, id models.ObjectID, seq int, payload []byte) error {
	key := chunkKey(id, seq)
	ctx, span := tracer.Start(ctx, "minio.write_chunk",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(payload)),
		),
	)
	defer span.End()

	if err := mc.put(ctx, key, payload, "application/octet-stream"); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload chunk %d: %w", seq, err)
	}
	return nil
}

// Commit uploads the manifest, making the object visible to readers
func (mc *MinioChunkStore) Commit(ctx context.Context, record models.BlobRecord) error {
	key := manifestKey(record.ObjectID)
	ctx, span := tracer.Start(ctx, "minio.commit",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("chunk_count", record.ChunkCount),
			attribute.Int64("size_bytes", record.Size),
		),
	)
	defer span.End()

	data, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := mc.put(ctx, key, data, "application/json"); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	return nil
}

// Stat downloads the manifest of a committed object
func (mc *MinioChunkStore) Stat(ctx context.Context, id models.ObjectID) (models.BlobRecord, error) {
	ctx, span := tracer.Start(ctx, "minio.stat",
		trace.WithAttributes(attribute.String("object_id", string(id))),
	)
	defer span.End()

	return mc.readManifest(ctx, manifestKey(id))
}

func (mc *MinioChunkStore) readManifest(ctx context.Context, key string) (models.BlobRecord, error) {
	data, err := mc.get(ctx, key)
	if err == ErrNotFound {
		return models.BlobRecord{}, ErrNotFound
	} else if err != nil {
		return models.BlobRecord{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var record models.BlobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.BlobRecord{}, fmt.Errorf("failed to unmarshal manifest %s: %w", key, err)
	}
	return record, nil
}

// ReadSequential opens a lazy iterator; each Next downloads one chunk
func (mc *MinioChunkStore) ReadSequential(ctx context.Context, id models.ObjectID) (*ChunkIterator, error) {
	record, err := mc.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	return newChunkIterator(record, mc.readChunk), nil
}

func (mc *MinioChunkStore) readChunk(ctx context.Context, id models.ObjectID, seq int) ([]byte, error) {
	key := chunkKey(id, seq)
	ctx, span := tracer.Start(ctx, "minio.read_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	data, err := mc.get(ctx, key)
	if err != nil {
		if err != ErrNotFound {
			span.RecordError(err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

func (mc *MinioChunkStore) listKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var keys []string
	for info := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

// Delete removes the manifest first, then every chunk of the object
func (mc *MinioChunkStore) Delete(ctx context.Context, id models.ObjectID) error {
	ctx, span := tracer.Start(ctx, "minio.delete",
		trace.WithAttributes(attribute.String("object_id", string(id))),
	)
	defer span.End()

	keys, err := mc.listKeys(ctx, objectPrefix(id), 0)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to list object keys: %w", err)
	}
	if len(keys) == 0 {
		return ErrNotFound
	}

	// Readers must lose sight of the object before its chunks disappear.
	manifest := manifestKey(id)
	for i, key := range keys {
		if key == manifest {
			keys[0], keys[i] = keys[i], keys[0]
			break
		}
	}

	for _, key := range keys {
		if err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	span.SetAttributes(attribute.Int("deleted_keys", len(keys)))
	mc.logger.Debug().Str("object_id", string(id)).Int("keys", len(keys)).Msg("deleted blob")
	return nil
}

// Exists reports whether any key is stored under the object's prefix
func (mc *MinioChunkStore) Exists(ctx context.Context, id models.ObjectID) (bool, error) {
	keys, err := mc.listKeys(ctx, objectPrefix(id), 1)
	if err != nil {
		return false, fmt.Errorf("failed to list object keys: %w", err)
	}
	return len(keys) > 0, nil
}

// ListCommitted walks every manifest in the bucket
func (mc *MinioChunkStore) ListCommitted(ctx context.Context, fn func(models.BlobRecord) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for info := range mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:    blobPrefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return fmt.Errorf("failed to list manifests: %w", info.Err)
		}
		if path.Base(info.Key) != manifestName || !strings.HasPrefix(info.Key, blobPrefix) {
			continue
		}
		record, err := mc.readManifest(ctx, info.Key)
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
