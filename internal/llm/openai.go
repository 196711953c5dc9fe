package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

// OpenAIExtractor runs extraction through the OpenAI chat API.
type OpenAIExtractor struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      logging.Logger
}

// NewOpenAIExtractor wires the OpenAI extractor from config.
func NewOpenAIExtractor(cfg *config.Config, logger logging.Logger) *OpenAIExtractor {
	return &OpenAIExtractor{
		client:      openai.NewClient(cfg.LLM.OpenAIAPIKey),
		model:       cfg.LLM.OpenAIModel,
		temperature: cfg.LLM.Temperature,
		logger:      logger.WithComponent("llm"),
	}
}

func (e *OpenAIExtractor) Extract(ctx context.Context, messages []types.Message) ([]types.ExtractedFact, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: e.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderConversation(messages)},
		},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "extraction request failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.Newf(apperr.CodeProviderUnavailable, "extraction model returned no choices")
	}
	return parseFacts(resp.Choices[0].Message.Content)
}

func (e *OpenAIExtractor) Model() string { return e.model }

func (e *OpenAIExtractor) HealthCheck(ctx context.Context) error {
	if _, err := e.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai unhealthy: %w", err)
	}
	return nil
}
