package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ObjectID is the opaque canonical identifier of a stored blob.
type ObjectID string

// NewObjectID allocates a fresh random identifier for a blob upload.
func NewObjectID() ObjectID {
	return ObjectID(uuid.New().String())
}

// ParseObjectID validates that s is a canonical object identifier.
func ParseObjectID(s string) (ObjectID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return ObjectID(id.String()), nil
}

func (id ObjectID) String() string {
	return string(id)
}

// BlobRecord is the commit manifest of a fully persisted blob.
type BlobRecord struct {
	ObjectID    ObjectID  `json:"object_id"`
	Size        int64     `json:"size"`
	ChunkCount  int       `json:"chunk_count"`
	ChunkSize   int64     `json:"chunk_size"`
	ChunkHashes []string  `json:"chunk_hashes"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetadataRecord describes an uploaded image and points at its committed blob.
type MetadataRecord struct {
	ObjectID     ObjectID  `json:"object_id"`
	UploaderID   string    `json:"uploader_id"`
	Caption      string    `json:"caption,omitempty"`
	Latitude     *float64  `json:"lat,omitempty"`
	Longitude    *float64  `json:"lng,omitempty"`
	AlternateKey string    `json:"alternate_key,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Candidate is the caller-supplied metadata for an ingest, before an object id exists.
type Candidate struct {
	UploaderID   string
	Caption      string
	Latitude     *float64
	Longitude    *float64
	AlternateKey string
	ContentType  string
}

// Bind produces the metadata record for a committed blob.
func (c Candidate) Bind(blob BlobRecord, now time.Time) MetadataRecord {
	return MetadataRecord{
		ObjectID:     blob.ObjectID,
		UploaderID:   c.UploaderID,
		Caption:      c.Caption,
		Latitude:     c.Latitude,
		Longitude:    c.Longitude,
		AlternateKey: c.AlternateKey,
		ContentType:  c.ContentType,
		Size:         blob.Size,
		CreatedAt:    now,
	}
}

// ChunkData holds one chunk while it moves between the chunker and a store.
type ChunkData struct {
	Data     []byte
	Sequence int
	Hash     string
	Size     int64
}
