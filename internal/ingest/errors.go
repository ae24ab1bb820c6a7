package ingest

import (
	"fmt"

	"github.com/maneesh/memestream/internal/models"
)

// Reason classifies why an ingest failed.
type Reason string

const (
	// SourceStreamFailed: the incoming stream errored or the caller cancelled.
	// Nothing stays stored.
	SourceStreamFailed Reason = "source_stream_failed"

	// BlobCommitFailed: the chunk store rejected a chunk or the manifest.
	// Nothing stays stored.
	BlobCommitFailed Reason = "blob_commit_failed"

	// MetadataRejected: the blob committed but its metadata failed
	// validation. The blob is an orphan until bound or swept.
	MetadataRejected Reason = "metadata_rejected"

	// MetadataPersistFailed: the blob committed but the index could not
	// store the record. The blob is an orphan until bound or swept.
	MetadataPersistFailed Reason = "metadata_persist_failed"
)

// Error is returned by Coordinator.Ingest and Coordinator.Bind.
// ObjectID is set whenever a committed blob was left behind.
type Error struct {
	Reason   Reason
	ObjectID models.ObjectID
	Err      error
}

func (e *Error) Error() string {
	if e.ObjectID != "" {
		return fmt.Sprintf("ingest %s (object %s): %v", e.Reason, e.ObjectID, e.Err)
	}
	return fmt.Sprintf("ingest %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Orphaned reports whether the failure left a committed blob without metadata.
func (e *Error) Orphaned() bool {
	return e.Reason == MetadataRejected || e.Reason == MetadataPersistFailed
}
