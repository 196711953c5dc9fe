// Package llm turns submitted conversation text into memory operations by
// prompting the configured chat model.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

// Extractor derives memory facts from conversation messages.
type Extractor interface {
	// Extract returns the facts the model found, in model order. An empty
	// slice is a valid outcome: not every conversation contains memorable
	// facts.
	Extract(ctx context.Context, messages []types.Message) ([]types.ExtractedFact, error)

	// Model names the underlying chat model.
	Model() string

	HealthCheck(ctx context.Context) error
}

// NewExtractor builds the provider selected in cfg.
func NewExtractor(cfg *config.Config, logger logging.Logger) (Extractor, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIExtractor(cfg, logger), nil
	case config.ProviderAnthropic:
		return NewAnthropicExtractor(cfg, logger), nil
	case config.ProviderOllama:
		return NewOllamaExtractor(cfg, logger), nil
	default:
		return nil, fmt.Errorf("no extraction provider for %q", cfg.LLM.Provider)
	}
}

const systemPrompt = `You are a memory extraction engine for a software engineering assistant.
From the conversation below, extract durable facts worth remembering across
sessions: preferences, decisions, project conventions, environment details.

Rules:
- Each fact is a single, self-contained statement phrased in first person.
- Use action "ADD" for new information, "UPDATE" when the fact revises
  something the user previously stated in this conversation, "NONE" for
  content not worth storing.
- Skip greetings, questions, and transient chatter.
- Respond with ONLY a JSON array, no prose, in this shape:
  [{"content": "I use PostgreSQL 16 for the billing service", "action": "ADD"}]
- Respond with [] when nothing is worth remembering.`

// renderConversation flattens messages into the prompt body.
func renderConversation(messages []types.Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}
	return b.String()
}

// parseFacts decodes a model response into facts. Models wrap JSON in code
// fences or prose despite instructions, so everything outside the outermost
// array is discarded before decoding.
func parseFacts(raw string) ([]types.ExtractedFact, error) {
	cleaned := stripFences(raw)
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end < start {
		return nil, apperr.Newf(apperr.CodeProviderUnavailable,
			"extraction model returned no JSON array")
	}

	var decoded []struct {
		Content string `json:"content"`
		Action  string `json:"action"`
	}
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &decoded); err != nil {
		return nil, apperr.Wrap(apperr.CodeProviderUnavailable,
			"extraction model returned malformed JSON", err)
	}

	facts := make([]types.ExtractedFact, 0, len(decoded))
	for _, d := range decoded {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		facts = append(facts, types.ExtractedFact{
			Content: content,
			Action:  normalizeAction(d.Action),
		})
	}
	return facts, nil
}

// normalizeAction maps model output onto the known actions; anything
// unrecognized becomes NONE rather than failing the whole batch.
func normalizeAction(s string) types.ExtractionAction {
	switch types.ExtractionAction(strings.ToUpper(strings.TrimSpace(s))) {
	case types.ActionAdd:
		return types.ActionAdd
	case types.ActionUpdate:
		return types.ActionUpdate
	default:
		return types.ActionNone
	}
}

func stripFences(raw string) string {
	out := strings.TrimSpace(raw)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}
