package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"chunkcast/internal/platform/config"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/platform/metrics"
	"chunkcast/internal/publish"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	if path := config.GetEnv("CONFIG_FILE", ""); path != "" {
		if err := config.LoadFile(path); err != nil {
			slog.Error("config file", "path", path, "error", err)
			os.Exit(1)
		}
	}

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := openBackends(ctx, log)
	if err != nil {
		log.Error("backend setup failed", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	svc := publish.NewService(backends.store, backends.acks, backends.blobs,
		publish.WithSegmentSeconds(config.GetEnvFloat("SEGMENT_SECONDS", publish.DefaultSegmentSeconds)),
		publish.WithMaxChunkBytes(int64(config.GetEnvInt("MAX_CHUNK_BYTES", publish.DefaultMaxChunkBytes))),
		publish.WithLogger(log),
	)
	met := metrics.New()
	h := publish.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(svc.ActiveSessions(r.Context())) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.RegisterRoutes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"port", port,
			"log_level", logLevel,
			"store", backends.storeKind,
			"acks", backends.acksKind,
			"blobs", backends.blobsKind,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

type backends struct {
	store publish.Store
	acks  publish.AckRepository
	blobs publish.BlobStore

	storeKind, acksKind, blobsKind string
	closers                        []io.Closer
}

func (b *backends) Close() {
	for _, c := range b.closers {
		c.Close()
	}
}

// openBackends picks each backend from configuration: sqlite when DB_PATH is
// set, Redis when REDIS_ADDR is set, S3 when S3_BUCKET is set. Anything left
// unset falls back to memory or the local data directory.
func openBackends(ctx context.Context, log *slog.Logger) (*backends, error) {
	b := &backends{}
	dataDir := config.GetEnv("DATA_DIR", "data")

	if path := config.GetEnv("DB_PATH", filepath.Join(dataDir, "chunkcast.db")); path != "memory" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		store, err := publish.OpenSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		b.store, b.storeKind = store, "sqlite"
		b.closers = append(b.closers, store)
	} else {
		b.store, b.storeKind = publish.NewInMemoryStore(), "memory"
	}

	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		acks := publish.NewRedisAckRepository(addr,
			config.GetEnv("REDIS_PASSWORD", ""),
			config.GetEnvInt("REDIS_DB", 0),
			config.GetEnvDuration("SESSION_TTL", 24*time.Hour))
		if err := acks.Ping(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.acks, b.acksKind = acks, "redis"
		b.closers = append(b.closers, acks)
	} else {
		b.acks, b.acksKind = publish.NewInMemoryAckRepository(), "memory"
		log.Warn("REDIS_ADDR not set, upload sessions do not survive a restart")
	}

	if bucket := config.GetEnv("S3_BUCKET", ""); bucket != "" {
		blobs, err := publish.NewS3BlobStore(ctx, publish.S3BlobStoreConfig{
			Bucket:   bucket,
			Region:   config.GetEnv("S3_REGION", "us-east-1"),
			Endpoint: config.GetEnv("S3_ENDPOINT", ""),
			Prefix:   config.GetEnv("S3_PREFIX", "uploads/"),
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.blobs, b.blobsKind = blobs, "s3"
	} else {
		blobs, err := publish.NewDiskBlobStore(filepath.Join(dataDir, "uploads"))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.blobs, b.blobsKind = blobs, "disk"
	}
	return b, nil
}
