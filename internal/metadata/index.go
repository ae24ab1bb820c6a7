package metadata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/maneesh/memestream/internal/models"
)

var (
	// ErrNotFound indicates no metadata is bound to the key.
	ErrNotFound = errors.New("metadata not found")

	// ErrConflict indicates the object id or alternate key is already bound.
	ErrConflict = errors.New("metadata already exists")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("invalid metadata")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid metadata: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
	maxCaptionLength = 2000
	maxAltKeyLength  = 255
)

// Filter narrows List results.
type Filter struct {
	UploaderID string
}

// Page selects a window of List results.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Index binds metadata records to committed blobs.
type Index interface {
	// Put stores rec. It fails with ErrConflict if the object id or the
	// alternate key is already bound, and with a *ValidationError if rec is
	// malformed.
	Put(ctx context.Context, rec models.MetadataRecord) error
	Get(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error)
	GetByAlternateKey(ctx context.Context, key string) (models.MetadataRecord, error)
	// List returns records newest first.
	List(ctx context.Context, filter Filter, page Page) ([]models.MetadataRecord, error)
}

// Validate checks the record invariants enforced on Put.
func Validate(rec models.MetadataRecord) error {
	if rec.ObjectID == "" {
		return &ValidationError{Field: "object_id", Reason: "is required"}
	}
	if strings.TrimSpace(rec.UploaderID) == "" {
		return &ValidationError{Field: "uploader_id", Reason: "is required"}
	}
	if len(rec.Caption) > maxCaptionLength {
		return &ValidationError{Field: "caption", Reason: fmt.Sprintf("exceeds %d bytes", maxCaptionLength)}
	}
	if len(rec.AlternateKey) > maxAltKeyLength {
		return &ValidationError{Field: "alternate_key", Reason: fmt.Sprintf("exceeds %d bytes", maxAltKeyLength)}
	}
	if err := checkCoordinate("lat", rec.Latitude, 90); err != nil {
		return err
	}
	if err := checkCoordinate("lng", rec.Longitude, 180); err != nil {
		return err
	}
	if rec.Size < 0 {
		return &ValidationError{Field: "size", Reason: "is negative"}
	}
	return nil
}

func checkCoordinate(field string, v *float64, bound float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return &ValidationError{Field: field, Reason: "is not a finite number"}
	}
	if *v < -bound || *v > bound {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be within [-%g, %g]", bound, bound)}
	}
	return nil
}
