package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/models"
)

// FileHandler streams image bytes
type FileHandler struct {
	svc    Service
	logger zerolog.Logger
}

// NewFileHandler creates a new file handler
func NewFileHandler(svc Service, logger zerolog.Logger) *FileHandler {
	return &FileHandler{svc: svc, logger: logger}
}

// ServeHTTP handles GET /images/file/{key}, where key is an object id or
// an alternate key
func (fh *FileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_image",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	key := mux.Vars(r)["key"]
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key in path")
		return
	}
	span.SetAttributes(attribute.String("key", key))

	rec, stream, err := fh.svc.Fetch(ctx, key)
	if err != nil {
		span.RecordError(err)
		writeDomainError(w, fh.logger, err)
		return
	}
	defer stream.Close()

	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(stream.Record().Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, stream)
	if err != nil {
		// Headers are gone; the short body tells the client.
		span.RecordError(err)
		fh.logger.Error().Err(err).
			Str("object_id", string(rec.ObjectID)).
			Int64("bytes_sent", n).
			Msg("image stream aborted")
		return
	}
	span.SetAttributes(attribute.Int64("bytes_sent", n))
}

// MetadataHandler returns the metadata of one image
type MetadataHandler struct {
	svc    Service
	logger zerolog.Logger
}

// NewMetadataHandler creates a new metadata handler
func NewMetadataHandler(svc Service, logger zerolog.Logger) *MetadataHandler {
	return &MetadataHandler{svc: svc, logger: logger}
}

// ServeHTTP handles GET /images/{id}
func (mh *MetadataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get_metadata",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id, err := models.ParseObjectID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := mh.svc.LookupMetadata(ctx, id)
	if err != nil {
		writeDomainError(w, mh.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newImageResponse(rec))
}

// ListResponse is one page of images
type ListResponse struct {
	Items  []ImageResponse `json:"items"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// ListHandler pages through images, newest first
type ListHandler struct {
	svc    Service
	logger zerolog.Logger
}

// NewListHandler creates a new list handler
func NewListHandler(svc Service, logger zerolog.Logger) *ListHandler {
	return &ListHandler{svc: svc, logger: logger}
}

// ServeHTTP handles GET /images?userId=&limit=&offset=
func (lh *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_images",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	q := r.URL.Query()
	page := metadata.Page{}
	var err error
	if v := q.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if page.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	page = page.Normalize()

	recs, err := lh.svc.List(ctx, metadata.Filter{UploaderID: q.Get("userId")}, page)
	if err != nil {
		span.RecordError(err)
		writeDomainError(w, lh.logger, err)
		return
	}

	items := make([]ImageResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, newImageResponse(rec))
	}
	span.SetAttributes(attribute.Int("result_count", len(items)))
	writeJSON(w, http.StatusOK, ListResponse{Items: items, Limit: page.Limit, Offset: page.Offset})
}
