// codemem-gateway is the MCP front door: it authenticates tool calls and
// proxies them to the Memory Service under the project scope.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"codemem/internal/auth"
	"codemem/internal/config"
	"codemem/internal/gateway"
	"codemem/internal/logging"
	"codemem/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger(logging.ERROR).Fatal("configuration invalid", "error", err.Error())
	}
	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))
	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited", "error", err.Error())
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := auth.Open(openCtx, cfg.Postgres.DSN)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer cache.Close()
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, token validations go straight to postgres",
				"addr", cfg.Redis.Addr, "error", err.Error())
		}
	}

	m := metrics.New()
	tokens := auth.NewStore(db, cache, cfg.Redis.ValidationTTL, logger, m)

	gw, err := gateway.New(cfg, tokens, logger, m)
	if err != nil {
		return err
	}
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
