package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Chunking.MaxSize)
	assert.Equal(t, 150, cfg.Chunking.OverlapSize)
	assert.Equal(t, 120*time.Second, cfg.Server.ExtractionTimeout)
	assert.Equal(t, 180*time.Second, cfg.Gateway.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Gateway.ConnectTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("EMBEDDING_DIMS", "1536")
	t.Setenv("CHUNK_MAX_SIZE", "500")
	t.Setenv("CHUNK_OVERLAP_SIZE", "50")
	t.Setenv("REQUEST_TIMEOUT", "90")
	t.Setenv("PROJECT_ID_MODE", "manual")
	t.Setenv("PROJECT_ID", "team_backend")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, 1536, cfg.Embedding.Dims)
	assert.Equal(t, 500, cfg.Chunking.MaxSize)
	assert.Equal(t, 50, cfg.Chunking.OverlapSize)
	assert.Equal(t, 90*time.Second, cfg.Gateway.RequestTimeout)
	assert.Equal(t, "manual", cfg.Gateway.ProjectIDMode)
	assert.Equal(t, "team_backend", cfg.Gateway.ProjectID)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "cohere"
	assert.ErrorContains(t, cfg.Validate(), "LLM_PROVIDER")
}

func TestValidateRequiresProviderKeys(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = ProviderOpenAI
	assert.ErrorContains(t, cfg.Validate(), "OPENAI_API_KEY")

	cfg = Default()
	cfg.LLM.Provider = ProviderAnthropic
	assert.ErrorContains(t, cfg.Validate(), "ANTHROPIC_API_KEY")
}

func TestValidateOverlapBounds(t *testing.T) {
	cfg := Default()
	cfg.Chunking.OverlapSize = cfg.Chunking.MaxSize
	assert.ErrorContains(t, cfg.Validate(), "CHUNK_OVERLAP_SIZE")
}

func TestValidateCacheTTLBound(t *testing.T) {
	cfg := Default()
	cfg.Redis.ValidationTTL = 2 * time.Minute
	assert.ErrorContains(t, cfg.Validate(), "REDIS_VALIDATION_TTL")
}

func TestUseHNSWBoundary(t *testing.T) {
	cfg := Default()

	cfg.Embedding.Dims = 2000
	assert.True(t, cfg.UseHNSW())

	cfg.Embedding.Dims = 2001
	assert.False(t, cfg.UseHNSW())
}

func TestAnthropicEmbeddingFallsBackToOllama(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.Embedding.Provider)
}
