package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

var testBase = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	e := NewEngine(config.TrustConfig{
		CitationWeight:  0.5,
		RecencyWeight:   0.4,
		ConflictPenalty: 0.2,
	}, logging.NewLogger(logging.ERROR))
	e.now = func() time.Time { return testBase }
	return e
}

func addMemory(t *testing.T, e *Engine, id, owner, content string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, e.UpsertMemoryNode(context.Background(), &types.Memory{
		ID: id, OwnerID: owner, Content: content, CreatedAt: createdAt,
	}))
}

func TestLinkMemoriesValidation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "a", testBase)
	addMemory(t, e, "m2", "alice", "b", testBase)

	_, err := e.LinkMemories(ctx, "m1", "m1", RelatesTo, "")
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))

	_, err = e.LinkMemories(ctx, "m1", "m2", Describes, "")
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))

	_, err = e.LinkMemories(ctx, "m1", "missing", RelatesTo, "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	edge, err := e.LinkMemories(ctx, "m1", "m2", RelatesTo, "same stack")
	require.NoError(t, err)
	assert.Equal(t, RelatesTo, edge.Kind)
	assert.Equal(t, "same stack", edge.Note)
}

func TestLinkMemoriesIsIdempotentPerKind(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "a", testBase)
	addMemory(t, e, "m2", "alice", "b", testBase)

	_, err := e.LinkMemories(ctx, "m1", "m2", RelatesTo, "")
	require.NoError(t, err)
	_, err = e.LinkMemories(ctx, "m1", "m2", RelatesTo, "")
	require.NoError(t, err)

	related, err := e.RelatedMemories(ctx, "m1", 1, nil)
	require.NoError(t, err)
	assert.Len(t, related, 1)
}

func TestRelatedMemoriesDepthAndDedupe(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	// chain m1 - m2 - m3 - m4, plus a shortcut m1 - m3
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		addMemory(t, e, id, "alice", id, testBase)
	}
	mustLink := func(a, b string, kind EdgeKind) {
		_, err := e.LinkMemories(ctx, a, b, kind, "")
		require.NoError(t, err)
	}
	mustLink("m1", "m2", RelatesTo)
	mustLink("m2", "m3", Extends)
	mustLink("m3", "m4", RelatesTo)
	mustLink("m1", "m3", ConflictsWith)

	related, err := e.RelatedMemories(ctx, "m1", 2, nil)
	require.NoError(t, err)

	byID := map[string]RelatedMemory{}
	for _, r := range related {
		byID[r.Memory.ID] = r
	}
	require.Len(t, related, 3)
	// m3 is reachable at depth 1 via the shortcut and must not reappear
	// at depth 2 through m2.
	assert.Equal(t, 1, byID["m2"].Distance)
	assert.Equal(t, 1, byID["m3"].Distance)
	assert.Equal(t, 2, byID["m4"].Distance)
	assert.NotContains(t, byID, "m1", "origin is excluded")
}

func TestRelatedMemoriesKindFilter(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		addMemory(t, e, id, "alice", id, testBase)
	}
	_, err := e.LinkMemories(ctx, "m1", "m2", RelatesTo, "")
	require.NoError(t, err)
	_, err = e.LinkMemories(ctx, "m1", "m3", ConflictsWith, "")
	require.NoError(t, err)

	related, err := e.RelatedMemories(ctx, "m1", 2, []EdgeKind{RelatesTo})
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "m2", related[0].Memory.ID)
}

func TestRelatedMemoriesUnknownOrigin(t *testing.T) {
	e := newTestEngine()
	_, err := e.RelatedMemories(context.Background(), "ghost", 2, nil)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestFindPathShortest(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		addMemory(t, e, id, "alice", id, testBase)
	}
	link := func(a, b string, kind EdgeKind) {
		_, err := e.LinkMemories(ctx, a, b, kind, "")
		require.NoError(t, err)
	}
	// long way round m1-m2-m3-m4, short way m1-m4
	link("m1", "m2", RelatesTo)
	link("m2", "m3", RelatesTo)
	link("m3", "m4", RelatesTo)
	link("m4", "m1", Extends)

	path, err := e.FindPath(ctx, "m1", "m4")
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, []string{"m1", "m4"}, path.Memories)
	assert.Equal(t, []EdgeKind{Extends}, path.Relations)
	assert.Equal(t, 1, path.Length)
}

func TestFindPathDisconnected(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "a", testBase)
	addMemory(t, e, "m2", "alice", "b", testBase)

	path, err := e.FindPath(ctx, "m1", "m2")
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestThreadChronologicalOrder(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "question", testBase)
	addMemory(t, e, "m2", "alice", "answer", testBase.Add(time.Hour))
	addMemory(t, e, "m3", "alice", "followup", testBase.Add(2*time.Hour))
	_, err := e.LinkMemories(ctx, "m2", "m1", RespondsTo, "")
	require.NoError(t, err)
	_, err = e.LinkMemories(ctx, "m3", "m2", RespondsTo, "")
	require.NoError(t, err)

	thread, err := e.Thread(ctx, "m2")
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, "m1", thread[0].ID)
	assert.Equal(t, "m2", thread[1].ID)
	assert.Equal(t, "m3", thread[2].ID)
}

func TestEvolutionFollowsLineage(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "we use postgres 14", testBase)
	addMemory(t, e, "m2", "alice", "upgraded the database to version 16", testBase.Add(time.Hour))
	addMemory(t, e, "m3", "alice", "unrelated note", testBase.Add(2*time.Hour))
	_, err := e.LinkMemories(ctx, "m2", "m1", Supersedes, "")
	require.NoError(t, err)

	entries, err := e.Evolution(ctx, "alice", "postgres", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2, "m2 joins via the SUPERSEDES link despite not naming the topic")
	assert.Equal(t, "m1", entries[0].Memory.ID)
	assert.True(t, entries[0].Superseded)
	assert.Equal(t, "m2", entries[1].Memory.ID)
	assert.False(t, entries[1].Superseded)
}

func TestEvolutionTimeWindow(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "we use postgres 14", testBase)
	addMemory(t, e, "m2", "alice", "postgres tuned for bulk loads", testBase.Add(time.Hour))
	addMemory(t, e, "m3", "alice", "postgres 16 upgrade done", testBase.Add(2*time.Hour))

	entries, err := e.Evolution(ctx, "alice", "postgres",
		testBase.Add(30*time.Minute), testBase.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m2", entries[0].Memory.ID)

	// An open until keeps everything from since onward.
	entries, err = e.Evolution(ctx, "alice", "postgres",
		testBase.Add(30*time.Minute), time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSupersededScopedToOwner(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "old", testBase)
	addMemory(t, e, "m2", "alice", "new", testBase.Add(time.Hour))
	addMemory(t, e, "b1", "bob", "old", testBase)
	addMemory(t, e, "b2", "bob", "new", testBase.Add(time.Hour))
	addMemory(t, e, "m3", "alice", "stale", testBase)
	_, err := e.LinkMemories(ctx, "m2", "m1", Supersedes, "")
	require.NoError(t, err)
	_, err = e.LinkMemories(ctx, "b2", "b1", Supersedes, "")
	require.NoError(t, err)
	// Cross-owner supersession: bob's replacement must never surface to alice.
	_, err = e.LinkMemories(ctx, "b2", "m3", Supersedes, "")
	require.NoError(t, err)

	got := e.Superseded(ctx, "alice")
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Obsolete.ID)
	assert.Equal(t, "m2", got[0].ReplacedBy.ID)
}

func TestComponentUpsertByName(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	first, err := e.EnsureComponent(ctx, "auth-service", "service")
	require.NoError(t, err)
	second, err := e.EnsureComponent(ctx, "auth-service", "")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "service", second.Kind)
	assert.Len(t, e.ListComponents(ctx), 1)
}

func TestComponentDependencyValidation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	_, err := e.EnsureComponent(ctx, "api", "")
	require.NoError(t, err)

	_, err = e.LinkComponentDependency(ctx, "api", "api", "")
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))
	_, err = e.LinkComponentDependency(ctx, "api", "db", "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestDecisionRationale(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "latency numbers", testBase)

	d, err := e.CreateDecision(ctx, "alice", "use Qdrant for vectors",
		[]string{"fast"}, []string{"extra service"}, []string{"pgvector"})
	require.NoError(t, err)
	_, err = e.LinkDecisionToMemory(ctx, d.ID, "m1")
	require.NoError(t, err)

	rat, err := e.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "use Qdrant for vectors", rat.Decision.Decision)
	require.Len(t, rat.Memories, 1)
	assert.Equal(t, "m1", rat.Memories[0].ID)

	list := e.ListDecisions(ctx, "alice")
	require.Len(t, list, 1)
	assert.Empty(t, e.ListDecisions(ctx, "bob"))
}

func TestRemoveMemoryNodeDropsEdges(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "a", testBase)
	addMemory(t, e, "m2", "alice", "b", testBase)
	_, err := e.LinkMemories(ctx, "m1", "m2", RelatesTo, "")
	require.NoError(t, err)

	require.NoError(t, e.RemoveMemoryNode(ctx, "m1"))
	related, err := e.RelatedMemories(ctx, "m2", 2, nil)
	require.NoError(t, err)
	assert.Empty(t, related)

	// removing twice is a no-op
	require.NoError(t, e.RemoveMemoryNode(ctx, "m1"))
}

func TestProjectMemoryMetadataHints(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "parent", "alice", "first note", testBase)

	mem := &types.Memory{
		ID: "m1", OwnerID: "alice", Content: "gateway uses chi",
		CreatedAt: testBase,
		Metadata: map[string]interface{}{
			"component":   "gateway",
			"responds_to": "parent",
		},
	}
	require.NoError(t, e.ProjectMemory(ctx, mem))

	comps := e.ListComponents(ctx)
	require.Len(t, comps, 1)
	assert.Equal(t, "gateway", comps[0].Name)

	thread, err := e.Thread(ctx, "parent")
	require.NoError(t, err)
	assert.Len(t, thread, 2)
}

func TestParseMemoryEdgeKind(t *testing.T) {
	// All six memory-to-memory relations parse, case-insensitively.
	for in, want := range map[string]EdgeKind{
		"relates_to":     RelatesTo,
		"DEPENDS_ON":     DependsOn,
		"Supersedes":     Supersedes,
		"RESPONDS_TO":    RespondsTo,
		"extends":        Extends,
		"CONFLICTS_WITH": ConflictsWith,
	} {
		kind, err := ParseMemoryEdgeKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, kind)
	}

	// Structural kinds are reserved for component/decision links.
	for _, in := range []string{"DESCRIBES", "JUSTIFIES", "friends_with", ""} {
		_, err := ParseMemoryEdgeKind(in)
		assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err), in)
	}
}

func TestLinkMemoriesDependsOn(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	addMemory(t, e, "m1", "alice", "retry helper", testBase)
	addMemory(t, e, "m2", "alice", "backoff policy", testBase.Add(time.Hour))

	edge, err := e.LinkMemories(ctx, "m1", "m2", DependsOn, "")
	require.NoError(t, err)
	assert.Equal(t, DependsOn, edge.Kind)

	related, err := e.RelatedMemories(ctx, "m1", 1, nil)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "m2", related[0].Memory.ID)
}
