package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig carries what NewRouter needs besides the service
type RouterConfig struct {
	MaxUploadBytes int64
	Logger         zerolog.Logger
	// Gatherer backs /metrics. Nil leaves the route out
	Gatherer prometheus.Gatherer
}

// NewRouter builds the HTTP API
func NewRouter(svc Service, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(
		hlog.NewHandler(cfg.Logger),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
	)

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	traced := func(name string, h http.Handler) http.Handler {
		return otelhttp.NewHandler(h, name)
	}

	router.Handle("/images/upload",
		traced("POST /images/upload", NewUploadHandler(svc, cfg.MaxUploadBytes, cfg.Logger))).Methods(http.MethodPost)
	router.Handle("/images/file/{key}",
		traced("GET /images/file/{key}", NewFileHandler(svc, cfg.Logger))).Methods(http.MethodGet)
	router.Handle("/images/{id}/metadata",
		traced("PUT /images/{id}/metadata", NewBindHandler(svc, cfg.Logger))).Methods(http.MethodPut)
	router.Handle("/images/{id}",
		traced("GET /images/{id}", NewMetadataHandler(svc, cfg.Logger))).Methods(http.MethodGet)
	router.Handle("/images",
		traced("GET /images", NewListHandler(svc, cfg.Logger))).Methods(http.MethodGet)

	return router
}
