package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/maneesh/memestream/internal/config"
	"github.com/maneesh/memestream/internal/handlers"
	"github.com/maneesh/memestream/internal/ingest"
	"github.com/maneesh/memestream/internal/logging"
	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/metrics"
	"github.com/maneesh/memestream/internal/storage"
	"github.com/maneesh/memestream/internal/sweep"
	"github.com/maneesh/memestream/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flagSet := pflag.NewFlagSet("memestream", pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.ServiceName)
	logger.Info().
		Str("port", cfg.ServicePort).
		Str("storage", cfg.StorageBackend).
		Str("index", cfg.IndexBackend).
		Int64("chunk_size", cfg.GetChunkSizeBytes()).
		Msg("starting memestream")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint, cfg.TracingEnabled)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn().Err(err).Msg("error shutting down tracer")
		}
	}()

	store, err := openChunkStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	index, closeIndex, err := openIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeIndex()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	coord := ingest.NewCoordinator(store, index, cfg.GetChunkSizeBytes())
	coord.SetLogger(logger.With().Str("component", "ingest").Logger())
	coord.SetMetrics(m)

	if cfg.SweepInterval > 0 {
		coord.SetOrphanGrace(cfg.SweepGrace)
		sweeper := sweep.New(store, index, cfg.SweepGrace, cfg.SweepInterval)
		sweeper.SetLogger(logger.With().Str("component", "sweep").Logger())
		sweeper.SetMetrics(m)
		go sweeper.Run(ctx)
	}

	router := handlers.NewRouter(coord, handlers.RouterConfig{
		MaxUploadBytes: cfg.GetMaxUploadBytes(),
		Logger:         logger,
		Gatherer:       reg,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("server exited")
	return nil
}

func openChunkStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.ChunkStore, error) {
	switch cfg.StorageBackend {
	case config.StorageMinio:
		client, err := storage.NewMinioClient(ctx,
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			return nil, err
		}
		store := storage.NewMinioChunkStore(client, cfg.MinIOBucketName)
		store.SetLogger(logger.With().Str("component", "minio").Logger())
		logger.Info().Str("endpoint", cfg.MinIOEndpoint).Msg("MinIO chunk store ready")
		return store, nil
	case config.StorageFS:
		store, err := storage.NewFSChunkStore(cfg.FSRoot)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("root", cfg.FSRoot).Msg("filesystem chunk store ready")
		return store, nil
	default:
		logger.Warn().Msg("using in-memory chunk store; blobs are lost on exit")
		return storage.NewMemoryChunkStore(), nil
	}
}

func openIndex(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (metadata.Index, func(), error) {
	var (
		index   metadata.Index
		closers []io.Closer
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing backend")
			}
		}
	}

	switch cfg.IndexBackend {
	case config.IndexTiDB:
		db, err := metadata.OpenTiDB(ctx, cfg.GetDSN())
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db)
		tidb := metadata.NewTiDBIndex(db)
		if err := tidb.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		logger.Info().Str("host", cfg.TiDBHost).Msg("TiDB metadata index ready")
		index = tidb
	default:
		logger.Warn().Msg("using in-memory metadata index; records are lost on exit")
		index = metadata.NewMemoryIndex()
	}

	if cfg.RedisEnabled {
		client, err := metadata.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, client)
		cached := metadata.NewCachedIndex(index, client, metadata.CacheTTL)
		cached.SetLogger(logger.With().Str("component", "cache").Logger())
		logger.Info().Str("addr", cfg.GetRedisAddr()).Msg("Redis metadata cache ready")
		index = cached
	}

	return index, closeAll, nil
}
