package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/maneesh/memestream/internal/blob"
	"github.com/maneesh/memestream/internal/ingest"
	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

var tracer = otel.Tracer("memestream-handlers")

// Service is the part of ingest.Coordinator the HTTP layer needs
type Service interface {
	Ingest(ctx context.Context, r io.Reader, c models.Candidate) (models.MetadataRecord, error)
	Bind(ctx context.Context, id models.ObjectID, c models.Candidate) (models.MetadataRecord, error)
	Fetch(ctx context.Context, key string) (models.MetadataRecord, *blob.Stream, error)
	LookupMetadata(ctx context.Context, id models.ObjectID) (models.MetadataRecord, error)
	List(ctx context.Context, filter metadata.Filter, page metadata.Page) ([]models.MetadataRecord, error)
}

// ImageResponse is a metadata record plus the URL its bytes are served from
type ImageResponse struct {
	models.MetadataRecord
	ImageURL string `json:"image_url"`
}

func newImageResponse(rec models.MetadataRecord) ImageResponse {
	return ImageResponse{MetadataRecord: rec, ImageURL: "/images/file/" + string(rec.ObjectID)}
}

// ErrorResponse is the JSON body of every non-2xx reply
type ErrorResponse struct {
	Error    string `json:"error"`
	Reason   string `json:"reason,omitempty"`
	ObjectID string `json:"object_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	var ierr *ingest.Error
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrBindWindowClosed):
		return http.StatusGone
	case errors.Is(err, metadata.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ierr) && ierr.Reason == ingest.SourceStreamFailed:
		return http.StatusBadRequest
	case errors.As(err, &ierr) && ierr.Reason == ingest.BlobCommitFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var ierr *ingest.Error
	if errors.As(err, &ierr) {
		resp.Reason = string(ierr.Reason)
		resp.ObjectID = string(ierr.ObjectID)
	}
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Str("object_id", resp.ObjectID).Msg("request failed")
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}
