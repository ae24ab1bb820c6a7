package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/maneesh/memestream/internal/models"
)

// FSChunkStore keeps each object in its own directory under root:
//
//	<root>/<id>/chunks/<seq>
//	<root>/<id>/manifest.json
type FSChunkStore struct {
	root string
	// noSync skips fsync; only tests set it.
	noSync bool
}

// NewFSChunkStore creates root if needed
func NewFSChunkStore(root string) (*FSChunkStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FSChunkStore{root: root}, nil
}

func (s *FSChunkStore) objectDir(id models.ObjectID) (string, error) {
	// Ids come from models.NewObjectID, but the FS layer must never resolve
	// outside root.
	name := string(id)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid object id %q", name)
	}
	return filepath.Join(s.root, name), nil
}

// syncedWriteFile writes data to a temp file in the target directory and
// renames it into place, so a reader sees either nothing or the whole file
func (s *FSChunkStore) syncedWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if !s.noSync {
		if err := tmp.Sync(); err != nil {
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}

// WriteChunk writes one chunk file
func (s *FSChunkStore) WriteChunk(ctx context.Context, id models.ObjectID, seq int, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.objectDir(id)
	if err != nil {
		return err
	}
	chunksDir := filepath.Join(dir, "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := s.syncedWriteFile(filepath.Join(chunksDir, strconv.Itoa(seq)), payload); err != nil {
		return fmt.Errorf("write chunk %d: %w", seq, err)
	}
	return nil
}

// Commit writes manifest.json
func (s *FSChunkStore) Commit(ctx context.Context, record models.BlobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.objectDir(record.ObjectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.syncedWriteFile(filepath.Join(dir, manifestName), data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Stat reads manifest.json
func (s *FSChunkStore) Stat(ctx context.Context, id models.ObjectID) (models.BlobRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.BlobRecord{}, err
	}
	dir, err := s.objectDir(id)
	if err != nil {
		return models.BlobRecord{}, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return models.BlobRecord{}, ErrNotFound
	} else if err != nil {
		return models.BlobRecord{}, fmt.Errorf("read manifest: %w", err)
	}
	var record models.BlobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.BlobRecord{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return record, nil
}

// ReadSequential opens an iterator over a committed object
func (s *FSChunkStore) ReadSequential(ctx context.Context, id models.ObjectID) (*ChunkIterator, error) {
	record, err := s.Stat(ctx, id)
	if err != nil {
		return nil, err
	}
	return newChunkIterator(record, s.readChunk), nil
}

func (s *FSChunkStore) readChunk(ctx context.Context, id models.ObjectID, seq int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.objectDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "chunks", strconv.Itoa(seq)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes the manifest, then the object directory
func (s *FSChunkStore) Delete(ctx context.Context, id models.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.objectDir(id)
	if err != nil {
		return ErrNotFound
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err := os.Remove(filepath.Join(dir, manifestName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove manifest: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Exists reports whether the object directory exists
func (s *FSChunkStore) Exists(ctx context.Context, id models.ObjectID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.objectDir(id)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// ListCommitted walks object directories that carry a manifest
func (s *FSChunkStore) ListCommitted(ctx context.Context, fn func(models.BlobRecord) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read store root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := s.Stat(ctx, models.ObjectID(entry.Name()))
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
