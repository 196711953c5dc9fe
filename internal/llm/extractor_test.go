package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

func TestParseFactsPlainArray(t *testing.T) {
	facts, err := parseFacts(`[{"content": "I use Go 1.23", "action": "ADD"},
		{"content": "I switched from npm to pnpm", "action": "UPDATE"}]`)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, types.ActionAdd, facts[0].Action)
	assert.Equal(t, "I use Go 1.23", facts[0].Content)
	assert.Equal(t, types.ActionUpdate, facts[1].Action)
}

func TestParseFactsCodeFenced(t *testing.T) {
	facts, err := parseFacts("```json\n[{\"content\": \"I prefer tabs\", \"action\": \"add\"}]\n```")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, types.ActionAdd, facts[0].Action, "action casing is normalized")
}

func TestParseFactsSurroundingProse(t *testing.T) {
	facts, err := parseFacts(`Here are the extracted facts:
[{"content": "I deploy with ArgoCD", "action": "ADD"}]
Let me know if you need more.`)
	require.NoError(t, err)
	require.Len(t, facts, 1)
}

func TestParseFactsEmptyArray(t *testing.T) {
	facts, err := parseFacts("[]")
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestParseFactsUnknownActionBecomesNone(t *testing.T) {
	facts, err := parseFacts(`[{"content": "something", "action": "MERGE"}]`)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, types.ActionNone, facts[0].Action)
}

func TestParseFactsDropsEmptyContent(t *testing.T) {
	facts, err := parseFacts(`[{"content": "  ", "action": "ADD"}, {"content": "real", "action": "ADD"}]`)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "real", facts[0].Content)
}

func TestParseFactsNoArray(t *testing.T) {
	_, err := parseFacts("I could not find any facts.")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeProviderUnavailable, apperr.CodeOf(err))
}

func TestParseFactsMalformedJSON(t *testing.T) {
	_, err := parseFacts(`[{"content": "broken"`)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeProviderUnavailable, apperr.CodeOf(err))
}

func TestRenderConversation(t *testing.T) {
	out := renderConversation([]types.Message{
		{Role: "user", Content: "I moved to Postgres"},
		{Content: "noted"},
	})
	assert.Equal(t, "user: I moved to Postgres\nuser: noted\n", out)
}

func TestOllamaExtractorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		resp := ollamaChatResponse{Message: ollamaChatMessage{
			Role:    "assistant",
			Content: `[{"content": "I run k3s at home", "action": "ADD"}]`,
		}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.LLM.OllamaBaseURL = srv.URL
	e := NewOllamaExtractor(cfg, logging.NewLogger(logging.ERROR))

	facts, err := e.Extract(context.Background(), []types.Message{{Role: "user", Content: "my homelab runs k3s"}})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "I run k3s at home", facts[0].Content)
}

func TestOllamaExtractorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model is loading", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.LLM.OllamaBaseURL = srv.URL
	e := NewOllamaExtractor(cfg, logging.NewLogger(logging.ERROR))

	_, err := e.Extract(context.Background(), []types.Message{{Content: "x"}})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeProviderUnavailable, apperr.CodeOf(err))
}

func TestNewExtractorProviderSwitch(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOllama
	e, err := NewExtractor(cfg, logging.NewLogger(logging.ERROR))
	require.NoError(t, err)
	assert.IsType(t, &OllamaExtractor{}, e)

	cfg.LLM.Provider = "bogus"
	_, err = NewExtractor(cfg, logging.NewLogger(logging.ERROR))
	assert.Error(t, err)
}
