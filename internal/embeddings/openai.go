package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
)

// OpenAIService generates embeddings through the OpenAI API.
type OpenAIService struct {
	client  *openai.Client
	model   string
	dims    int
	cache   *cache
	limiter *rateLimiter
	logger  logging.Logger
}

// NewOpenAIService wires the OpenAI embedder from config.
func NewOpenAIService(cfg *config.Config, logger logging.Logger) *OpenAIService {
	return &OpenAIService{
		client:  openai.NewClient(cfg.Embedding.OpenAIKey),
		model:   cfg.Embedding.Model,
		dims:    cfg.Embedding.Dims,
		cache:   newCache(cfg.Embedding.CacheSize),
		limiter: newRateLimiter(cfg.Embedding.RateLimit),
		logger:  logger.WithComponent("embeddings"),
	}
}

func (s *OpenAIService) Generate(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, apperr.BadInput("cannot embed empty text")
	}
	vecs, err := s.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *OpenAIService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.BadInput("cannot embed an empty batch")
	}

	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if cached := s.cache.get(cacheKeyFor(s.model, text)); cached != nil {
			results[i] = cached
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	if err := s.limiter.wait(ctx); err != nil {
		return nil, err
	}

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: missing,
		Model: openai.EmbeddingModel(s.model),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "embedding request failed", err)
	}
	if len(resp.Data) != len(missing) {
		return nil, apperr.Newf(apperr.CodeProviderUnavailable,
			"embedding count mismatch: sent %d texts, got %d vectors", len(missing), len(resp.Data))
	}

	for i, data := range resp.Data {
		vec := data.Embedding
		if len(vec) != s.dims {
			return nil, apperr.Newf(apperr.CodeProviderUnavailable,
				"model %s returned %d dimensions, expected %d", s.model, len(vec), s.dims)
		}
		results[missingIdx[i]] = vec
		s.cache.put(cacheKeyFor(s.model, missing[i]), vec)
	}
	return results, nil
}

func (s *OpenAIService) Dimension() int { return s.dims }
func (s *OpenAIService) Model() string  { return s.model }

func (s *OpenAIService) HealthCheck(ctx context.Context) error {
	if _, err := s.Generate(ctx, "ping"); err != nil {
		return fmt.Errorf("openai embeddings unhealthy: %w", err)
	}
	return nil
}
