package llm

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

const anthropicMaxTokens = 2048

// AnthropicExtractor runs extraction through the Anthropic Messages API.
type AnthropicExtractor struct {
	client      sdk.Client
	model       string
	temperature float32
	logger      logging.Logger
}

// NewAnthropicExtractor wires the Anthropic extractor from config.
func NewAnthropicExtractor(cfg *config.Config, logger logging.Logger) *AnthropicExtractor {
	return &AnthropicExtractor{
		client:      sdk.NewClient(option.WithAPIKey(cfg.LLM.AnthropicKey)),
		model:       cfg.LLM.AnthropicModel,
		temperature: cfg.LLM.Temperature,
		logger:      logger.WithComponent("llm"),
	}
}

func (e *AnthropicExtractor) Extract(ctx context.Context, messages []types.Message) ([]types.ExtractedFact, error) {
	msg, err := e.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: anthropicMaxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(renderConversation(messages))),
		},
		Temperature: sdk.Float(float64(e.temperature)),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable, "extraction request failed", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, apperr.Newf(apperr.CodeProviderUnavailable, "extraction model returned no text")
	}
	return parseFacts(b.String())
}

func (e *AnthropicExtractor) Model() string { return e.model }

func (e *AnthropicExtractor) HealthCheck(ctx context.Context) error {
	// A minimal request is the only way to verify the key; keep it tiny.
	_, err := e.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeProviderUnavailable, "anthropic unhealthy", err)
	}
	return nil
}
