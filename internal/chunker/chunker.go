package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/memestream/internal/models"
)

// SourceError marks a failure reading the incoming stream, as opposed to a
// failure of whatever consumed the chunks
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("error reading source: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Chunker slices a byte stream into fixed-size chunks
type Chunker struct {
	chunkSize int64
}

// NewChunker creates a new chunker with the specified chunk size
func NewChunker(chunkSize int64) *Chunker {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("chunker: invalid chunk size %d", chunkSize))
	}
	return &Chunker{
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the configured chunk size in bytes
func (c *Chunker) ChunkSize() int64 {
	return c.chunkSize
}

// Stream reads reader to exhaustion and hands every chunk to fn in order.
// Every chunk except the last is exactly ChunkSize bytes. The buffer passed
// to fn is reused between calls. Read failures are returned as *SourceError;
// errors from fn are returned unchanged
func (c *Chunker) Stream(reader io.Reader, fn func(*models.ChunkData) error) (int64, error) {
	var totalSize int64
	sequence := 0
	buffer := make([]byte, c.chunkSize)

	for {
		n, err := io.ReadFull(reader, buffer)

		if n > 0 {
			data := buffer[:n]
			chunk := &models.ChunkData{
				Data:     data,
				Sequence: sequence,
				Hash:     ComputeHash(data),
				Size:     int64(n),
			}
			if ferr := fn(chunk); ferr != nil {
				return totalSize, ferr
			}
			totalSize += int64(n)
			sequence++
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		} else if err != nil {
			return totalSize, &SourceError{Err: err}
		}
	}

	return totalSize, nil
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
