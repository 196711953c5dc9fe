// Package embeddings generates text embeddings through the configured
// provider, with an in-process cache and client-side rate limiting.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"codemem/internal/config"
	"codemem/internal/logging"
)

// Service is the embedding contract shared by all providers.
type Service interface {
	// Generate creates the embedding for a single text.
	Generate(ctx context.Context, text string) ([]float32, error)

	// GenerateBatch creates embeddings for multiple texts in one call.
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the length of vectors this service produces.
	Dimension() int

	// Model names the underlying embedding model.
	Model() string

	HealthCheck(ctx context.Context) error
}

// NewService builds the provider selected in cfg. The anthropic provider has
// no embedding API, so config validation has already rerouted it to ollama
// by the time we get here.
func NewService(cfg *config.Config, logger logging.Logger) (Service, error) {
	switch cfg.Embedding.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIService(cfg, logger), nil
	case config.ProviderOllama:
		return NewOllamaService(cfg, logger), nil
	default:
		return nil, fmt.Errorf("no embedding provider for %q", cfg.Embedding.Provider)
	}
}

// cache memoizes embeddings by content hash. Identical chunks show up often
// (overlap regions, re-submitted conversations), so this saves real API
// calls.
type cache struct {
	mu      sync.RWMutex
	entries map[string][]float32
	max     int
}

func newCache(max int) *cache {
	if max <= 0 {
		max = 4096
	}
	return &cache{entries: make(map[string][]float32), max: max}
}

func cacheKeyFor(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *cache) get(key string) []float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

func (c *cache) put(key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Full reset beats tracking LRU order for an embedding cache.
		c.entries = make(map[string][]float32, c.max)
	}
	c.entries[key] = vec
}

// rateLimiter is a token bucket refilled over time.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// newRateLimiter allows rpm requests per minute.
func newRateLimiter(rpm int) *rateLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	return &rateLimiter{
		tokens:     rpm,
		maxTokens:  rpm,
		refillRate: time.Minute / time.Duration(rpm),
		lastRefill: time.Now(),
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	refill := int(now.Sub(rl.lastRefill) / rl.refillRate)
	if refill > 0 {
		rl.tokens += refill
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = now
	}
	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// wait blocks until a request may proceed or ctx is done.
func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		if rl.allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
