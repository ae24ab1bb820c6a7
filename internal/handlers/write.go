package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/models"
)

const (
	// multipartMemory is how much of an upload is held in memory before
	// the multipart parser spills to a temp file.
	multipartMemory  = 8 << 20
	maxFilenameBytes = 200
)

// UploadHandler handles image uploads
type UploadHandler struct {
	svc       Service
	maxUpload int64
	logger    zerolog.Logger
	now       func() time.Time
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(svc Service, maxUpload int64, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		svc:       svc,
		maxUpload: maxUpload,
		logger:    logger,
		now:       time.Now,
	}
}

// ServeHTTP handles POST /images/upload
func (uh *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_image",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	if uh.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, uh.maxUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	cand, err := candidateFromForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cand.AlternateKey = alternateKey(uh.now(), header.Filename)
	cand.ContentType = header.Header.Get("Content-Type")
	if cand.ContentType == "" {
		cand.ContentType = "application/octet-stream"
	}

	span.SetAttributes(
		attribute.String("file_name", header.Filename),
		attribute.Int64("file_size", header.Size),
	)
	uh.logger.Debug().
		Str("user_id", cand.UploaderID).
		Str("file_name", header.Filename).
		Int64("file_size", header.Size).
		Msg("upload received")

	rec, err := uh.svc.Ingest(ctx, file, cand)
	if err != nil {
		span.RecordError(err)
		writeDomainError(w, uh.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, newImageResponse(rec))
}

func candidateFromForm(r *http.Request) (models.Candidate, error) {
	lat, err := parseCoordinate(r.FormValue("lat"))
	if err != nil {
		return models.Candidate{}, fmt.Errorf("invalid lat: %w", err)
	}
	lng, err := parseCoordinate(r.FormValue("lng"))
	if err != nil {
		return models.Candidate{}, fmt.Errorf("invalid lng: %w", err)
	}
	return models.Candidate{
		UploaderID: r.FormValue("userId"),
		Caption:    r.FormValue("caption"),
		Latitude:   lat,
		Longitude:  lng,
	}, nil
}

// parseCoordinate returns nil for an absent value. Range checks happen in
// the metadata index
func parseCoordinate(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// alternateKey derives the filename key an upload can also be fetched by
func alternateKey(now time.Time, filename string) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), sanitizeFilename(filename))
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxFilenameBytes {
			break
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}

// BindRequest is the body of PUT /images/{id}/metadata
type BindRequest struct {
	UserID      string   `json:"userId"`
	Caption     string   `json:"caption"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	ContentType string   `json:"contentType"`
}

// BindHandler attaches metadata to a committed blob that has none
type BindHandler struct {
	svc    Service
	logger zerolog.Logger
}

// NewBindHandler creates a new bind handler
func NewBindHandler(svc Service, logger zerolog.Logger) *BindHandler {
	return &BindHandler{svc: svc, logger: logger}
}

// ServeHTTP handles PUT /images/{id}/metadata
func (bh *BindHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "bind_metadata",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := models.ParseObjectID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(attribute.String("object_id", string(id)))

	var req BindRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	rec, err := bh.svc.Bind(ctx, id, models.Candidate{
		UploaderID:  req.UserID,
		Caption:     req.Caption,
		Latitude:    req.Lat,
		Longitude:   req.Lng,
		ContentType: req.ContentType,
	})
	if err != nil {
		span.RecordError(err)
		writeDomainError(w, bh.logger, err)
		return
	}

	bh.logger.Info().Str("object_id", string(id)).Msg("orphan bound to metadata")
	writeJSON(w, http.StatusOK, newImageResponse(rec))
}
