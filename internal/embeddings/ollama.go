package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
)

// OllamaService generates embeddings through a local Ollama instance. It is
// also the embedder behind the anthropic LLM provider, which has no
// embedding API of its own.
type OllamaService struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
	cache   *cache
	logger  logging.Logger
}

// NewOllamaService wires the Ollama embedder from config.
func NewOllamaService(cfg *config.Config, logger logging.Logger) *OllamaService {
	return &OllamaService{
		baseURL: strings.TrimRight(cfg.Embedding.OllamaURL, "/"),
		model:   cfg.Embedding.Model,
		dims:    cfg.Embedding.Dims,
		client:  &http.Client{},
		cache:   newCache(cfg.Embedding.CacheSize),
		logger:  logger.WithComponent("embeddings"),
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *OllamaService) Generate(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, apperr.BadInput("cannot embed empty text")
	}
	vecs, err := s.GenerateBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *OllamaService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

	var resp ollamaEmbedResponse
	if err := s.post(ctx, "/api/embed", ollamaEmbedRequest{Model: s.model, Input: missing}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(missing) {
		return nil, apperr.Newf(apperr.CodeProviderUnavailable,
			"embedding count mismatch: sent %d texts, got %d vectors", len(missing), len(resp.Embeddings))
	}

	for i, vec := range resp.Embeddings {
		if len(vec) != s.dims {
			return nil, apperr.Newf(apperr.CodeProviderUnavailable,
				"model %s returned %d dimensions, expected %d", s.model, len(vec), s.dims)
		}
		results[missingIdx[i]] = vec
		s.cache.put(cacheKeyFor(s.model, missing[i]), vec)
	}
	return results, nil
}

func (s *OllamaService) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to encode ollama request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to build ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeProviderUnavailable, "ollama unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return apperr.Newf(apperr.CodeProviderUnavailable,
			"ollama returned %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.CodeProviderUnavailable, "failed to decode ollama response", err)
	}
	return nil
}

func (s *OllamaService) Dimension() int { return s.dims }
func (s *OllamaService) Model() string  { return s.model }

func (s *OllamaService) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unhealthy: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status %d", res.StatusCode)
	}
	return nil
}
