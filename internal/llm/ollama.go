package llm

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
	"codemem/pkg/types"
)

// OllamaExtractor runs extraction through a local Ollama instance.
type OllamaExtractor struct {
	baseURL     string
	model       string
	temperature float32
	client      *http.Client
	logger      logging.Logger
}

// NewOllamaExtractor wires the Ollama extractor from config.
func NewOllamaExtractor(cfg *config.Config, logger logging.Logger) *OllamaExtractor {
	return &OllamaExtractor{
		baseURL:     strings.TrimRight(cfg.LLM.OllamaBaseURL, "/"),
		model:       cfg.LLM.OllamaModel,
		temperature: cfg.LLM.Temperature,
		client:      &http.Client{},
		logger:      logger.WithComponent("llm"),
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  ollamaChatOptions   `json:"options"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatOptions struct {
	Temperature float32 `json:"temperature"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

func (e *OllamaExtractor) Extract(ctx context.Context, messages []types.Message) ([]types.ExtractedFact, error) {
	payload, err := json.Marshal(ollamaChatRequest{
		Model: e.model,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: renderConversation(messages)},
		},
		Stream:  false,
		Format:  "json",
		Options: ollamaChatOptions{Temperature: e.temperature},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to encode chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "ollama unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, apperr.Newf(apperr.CodeProviderUnavailable,
			"ollama returned %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(res.Body).Decode(&chat); err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "failed to decode chat response", err)
	}
	return parseFacts(chat.Message.Content)
}

func (e *OllamaExtractor) Model() string { return e.model }

func (e *OllamaExtractor) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	res, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unhealthy: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama unhealthy: status %d", res.StatusCode)
	}
	return nil
}
