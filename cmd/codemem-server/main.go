// codemem-server is the Memory Service: the REST API over the vector store,
// the history trail, and the knowledge graph.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codemem/internal/config"
	"codemem/internal/embeddings"
	"codemem/internal/graph"
	"codemem/internal/history"
	"codemem/internal/llm"
	"codemem/internal/logging"
	"codemem/internal/memory"
	"codemem/internal/metrics"
	"codemem/internal/projection"
	"codemem/internal/retry"
	"codemem/internal/server"
	"codemem/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger(logging.ERROR).Fatal("configuration invalid", "error", err.Error())
	}
	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", "error", err.Error())
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store := storage.NewQdrantStore(&cfg.Qdrant, cfg.Embedding.Dims, cfg.UseHNSW(), logger)
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := store.Initialize(initCtx)
	cancel()
	if err != nil {
		return err
	}
	defer store.Close()

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer hist.Close()

	embedder, err := embeddings.NewService(cfg, logger)
	if err != nil {
		return err
	}
	extractor, err := llm.NewExtractor(cfg, logger)
	if err != nil {
		return err
	}

	engine := graph.NewEngine(cfg.Trust, logger)
	pool := projection.NewPool(cfg.Projection, retry.ProjectionPolicy(), engine, logger, m)
	pool.Start(ctx, cfg.Projection.Workers)

	svc := memory.NewService(store, hist, embedder, extractor, pool, cfg, logger)

	srv := server.New(svc, engine, pool, cfg, logger, m)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("projection pool did not drain", "error", err.Error())
	}
	logger.Info("server stopped")
	return nil
}
