package gateway

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemem/internal/config"
)

const (
	testMaxSize = 1000
	testOverlap = 150
)

func newTestChunker() *Chunker {
	return NewChunker(testMaxSize, testOverlap)
}

// bodyOf strips the part marker, returning overlap plus payload.
func bodyOf(t *testing.T, c Chunk) string {
	t.Helper()
	idx := strings.Index(c.Content, "] ")
	require.Greater(t, idx, 0, "chunk missing part marker: %q", c.Content)
	return c.Content[idx+2:]
}

func TestSplitPassthrough(t *testing.T) {
	text := strings.Repeat("a", testMaxSize)
	chunks := newTestChunker().Split(text)

	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Content, "within-limit text must pass through untouched")
	assert.False(t, chunks[0].HasOverlap)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Total)
	assert.NotContains(t, chunks[0].Content, "[Part")
}

func TestSplitJustOverLimit(t *testing.T) {
	text := strings.Repeat("a", testMaxSize+1)
	chunks := newTestChunker().Split(text)

	require.Len(t, chunks, 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 2, c.Total)
		assert.True(t, strings.HasPrefix(c.Content, fmt.Sprintf("[Part %d/2] ", i+1)))
	}
	assert.False(t, chunks[0].HasOverlap)
	assert.True(t, chunks[1].HasOverlap)
}

func TestSplitUniformText(t *testing.T) {
	// 5000 characters with no soft boundaries hard-split into five payloads
	// of exactly the maximum size.
	text := strings.Repeat("x", 5000)
	chunks := newTestChunker().Split(text)

	require.Len(t, chunks, 5)
	for i, c := range chunks {
		body := bodyOf(t, c)
		payload := body
		if i > 0 {
			payload = body[testOverlap:]
		}
		assert.Len(t, payload, testMaxSize, "chunk %d payload", i)
		assert.Equal(t, len(c.Content), c.Size)
	}
}

func TestSplitOverlapIsPreviousTail(t *testing.T) {
	// Sentence-shaped text so packing crosses soft boundaries.
	var b strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, "Sentence number %03d carries a little payload. ", i)
	}
	chunks := newTestChunker().Split(b.String())
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prevBody := bodyOf(t, chunks[i-1])
		body := bodyOf(t, chunks[i])
		want := prevBody
		if len(want) > testOverlap {
			want = want[len(want)-testOverlap:]
		}
		assert.True(t, strings.HasPrefix(body, want),
			"chunk %d must start with the last %d characters of chunk %d", i, testOverlap, i-1)
		assert.True(t, chunks[i].HasOverlap)
	}
	assert.False(t, chunks[0].HasOverlap)
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("b", 600)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := newTestChunker().Split(text)

	require.Len(t, chunks, 3)
	assert.Equal(t, para, bodyOf(t, chunks[0]), "paragraphs under the limit stay whole")
}

func TestSplitPacksSmallSegments(t *testing.T) {
	// Twenty 80-char sentences pack greedily rather than one chunk each.
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString(strings.Repeat("c", 79))
		b.WriteString(".\n\n")
	}
	chunks := newTestChunker().Split(strings.TrimSpace(b.String()))

	require.Len(t, chunks, 2)
	payload := bodyOf(t, chunks[0])
	assert.LessOrEqual(t, len(payload), testMaxSize)
	assert.Greater(t, len(payload), testMaxSize/2, "greedy packing should fill chunks")
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First one. Second one! Third one? Fourth")
	assert.Equal(t, []string{"First one.", "Second one!", "Third one?", "Fourth"}, got)
}

func TestDeriveProjectID(t *testing.T) {
	id := DeriveProjectID("/home/dev/project")
	assert.True(t, strings.HasPrefix(id, "prj_"))
	assert.Len(t, id, len("prj_")+8)
	assert.Equal(t, id, DeriveProjectID("/home/dev/project"), "derivation must be stable")
	assert.NotEqual(t, id, DeriveProjectID("/home/dev/other"))
}

func TestResolveProjectID(t *testing.T) {
	gw := func(mode, project string) *config.GatewayConfig {
		cfg := config.Default().Gateway
		cfg.ProjectIDMode = mode
		cfg.ProjectID = project
		return &cfg
	}

	t.Run("manual", func(t *testing.T) {
		id, err := ResolveProjectID(gw(config.ProjectModeManual, "team-alpha"))
		require.NoError(t, err)
		assert.Equal(t, "team-alpha", id)
	})
	t.Run("manual without value", func(t *testing.T) {
		_, err := ResolveProjectID(gw(config.ProjectModeManual, ""))
		assert.Error(t, err)
	})
	t.Run("global", func(t *testing.T) {
		id, err := ResolveProjectID(gw(config.ProjectModeGlobal, ""))
		require.NoError(t, err)
		assert.Equal(t, GlobalProjectID, id)
	})
	t.Run("auto with configured path", func(t *testing.T) {
		id, err := ResolveProjectID(gw(config.ProjectModeAuto, "/srv/repo"))
		require.NoError(t, err)
		assert.Equal(t, DeriveProjectID("/srv/repo"), id)
	})
	t.Run("auto falls back to working directory", func(t *testing.T) {
		id, err := ResolveProjectID(gw(config.ProjectModeAuto, ""))
		require.NoError(t, err)
		wd, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, DeriveProjectID(wd), id)
	})
}
