package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/history"
	"codemem/internal/logging"
	"codemem/internal/storage"
	"codemem/pkg/types"
)

// fakeStore is an in-memory stand-in for the Qdrant adapter.
type fakeStore struct {
	mu       sync.Mutex
	memories map[string]types.Memory
}

func newFakeStore() *fakeStore {
	return &fakeStore{memories: make(map[string]types.Memory)}
}

func (f *fakeStore) Initialize(context.Context) error { return nil }

func (f *fakeStore) Insert(_ context.Context, mem *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories[mem.ID] = *mem
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mem, ok := f.memories[id]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", id))
	}
	out := mem
	return &out, nil
}

func (f *fakeStore) Update(ctx context.Context, mem *types.Memory) error {
	return f.Insert(ctx, mem)
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memories, id)
	return nil
}

func (f *fakeStore) Search(_ context.Context, q storage.SearchQuery) ([]types.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SearchResult
	for _, mem := range f.memories {
		if mem.OwnerID != q.OwnerID {
			continue
		}
		score := dot(mem.Embedding, q.Vector)
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}
		out = append(out, types.SearchResult{Memory: mem, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		if i < len(b) {
			sum += a[i] * b[i]
		}
	}
	return sum
}

func (f *fakeStore) ListByOwner(_ context.Context, ownerID string) ([]types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Memory
	for _, mem := range f.memories {
		if mem.OwnerID == ownerID {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) DeleteByOwner(_ context.Context, ownerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, mem := range f.memories {
		if mem.OwnerID == ownerID {
			delete(f.memories, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.memories)), nil
}

func (f *fakeStore) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories = make(map[string]types.Memory)
	return nil
}

func (f *fakeStore) HealthCheck(context.Context) error { return nil }
func (f *fakeStore) Close() error                      { return nil }

// fakeEmbedder maps known texts onto fixed unit vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Generate(ctx, t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int                    { return 3 }
func (f *fakeEmbedder) Model() string                     { return "fake" }
func (f *fakeEmbedder) HealthCheck(context.Context) error { return nil }

// fakeExtractor returns scripted facts.
type fakeExtractor struct {
	facts []types.ExtractedFact
	err   error
}

func (f *fakeExtractor) Extract(context.Context, []types.Message) ([]types.ExtractedFact, error) {
	return f.facts, f.err
}
func (f *fakeExtractor) Model() string                     { return "fake" }
func (f *fakeExtractor) HealthCheck(context.Context) error { return nil }

// fakePool records what the service hands to projection.
type fakePool struct {
	mu       sync.Mutex
	enqueued []string
	removed  []string
}

func (f *fakePool) Enqueue(mem *types.Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, mem.ID)
}

func (f *fakePool) EnqueueRemoval(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

type fixture struct {
	svc   *Service
	store *fakeStore
	pool  *fakePool
	ext   *fakeExtractor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	store := newFakeStore()
	pool := &fakePool{}
	ext := &fakeExtractor{}
	cfg := config.Default()

	svc := NewService(store, hist, &fakeEmbedder{}, ext, pool, cfg, logging.NewLogger(logging.ERROR))
	n := 0
	svc.newID = func() string { n++; return fmt.Sprintf("mem-%d", n) }
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { base = base.Add(time.Second); return base }
	return &fixture{svc: svc, store: store, pool: pool, ext: ext}
}

func userMessages() *types.AddRequest {
	return &types.AddRequest{
		Messages: []types.Message{{Role: "user", Content: "I use PostgreSQL 16"}},
		UserID:   "alice",
	}
}

func TestAddStoresFactsInExtractorOrder(t *testing.T) {
	fx := newFixture(t)
	fx.ext.facts = []types.ExtractedFact{
		{Content: "I use PostgreSQL 16", Action: types.ActionAdd},
		{Content: "small talk", Action: types.ActionNone},
		{Content: "I deploy with ArgoCD", Action: types.ActionAdd},
	}

	resp, err := fx.svc.Add(context.Background(), userMessages())
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, types.EventAdd, resp.Results[0].Event)
	assert.Equal(t, types.EventNone, resp.Results[1].Event)
	assert.Empty(t, resp.Results[1].ID, "NONE facts produce no write")
	assert.Equal(t, types.EventAdd, resp.Results[2].Event)

	stored, err := fx.store.ListByOwner(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Equal(t, []string{"mem-1", "mem-2"}, fx.pool.enqueued)
}

func TestAddWritesHistory(t *testing.T) {
	fx := newFixture(t)
	fx.ext.facts = []types.ExtractedFact{{Content: "I use PostgreSQL 16", Action: types.ActionAdd}}

	resp, err := fx.svc.Add(context.Background(), userMessages())
	require.NoError(t, err)

	events, err := fx.svc.History(context.Background(), resp.Results[0].ID, "alice")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventAdd, events[0].Event)
	assert.Equal(t, "I use PostgreSQL 16", events[0].NewContent)
}

func TestAddUpdateRevisesSimilarMemory(t *testing.T) {
	fx := newFixture(t)
	vec := []float32{0, 1, 0}
	fx.svc.embedder = &fakeEmbedder{vectors: map[string][]float32{
		"I use PostgreSQL 14": vec,
		"I use PostgreSQL 16": vec, // nearly identical statement
	}}

	fx.ext.facts = []types.ExtractedFact{{Content: "I use PostgreSQL 14", Action: types.ActionAdd}}
	first, err := fx.svc.Add(context.Background(), userMessages())
	require.NoError(t, err)
	id := first.Results[0].ID

	fx.ext.facts = []types.ExtractedFact{{Content: "I use PostgreSQL 16", Action: types.ActionUpdate}}
	second, err := fx.svc.Add(context.Background(), userMessages())
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, types.EventUpdate, second.Results[0].Event)
	assert.Equal(t, id, second.Results[0].ID, "the existing memory is revised, not duplicated")

	mem, err := fx.svc.Get(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "I use PostgreSQL 16", mem.Content)

	events, err := fx.svc.History(context.Background(), id, "alice")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventAdd, events[0].Event)
	assert.Equal(t, types.EventUpdate, events[1].Event)
	assert.Equal(t, "I use PostgreSQL 14", events[1].PrevContent)
}

func TestAddUpdateWithoutMatchFallsBackToAdd(t *testing.T) {
	fx := newFixture(t)
	fx.ext.facts = []types.ExtractedFact{{Content: "I use PostgreSQL 16", Action: types.ActionUpdate}}

	resp, err := fx.svc.Add(context.Background(), userMessages())
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, types.EventAdd, resp.Results[0].Event)
}

func TestAddRequiresScopeAndMessages(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Add(context.Background(), &types.AddRequest{UserID: "alice"})
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))

	_, err = fx.svc.Add(context.Background(), &types.AddRequest{
		Messages: []types.Message{{Content: "hi"}},
	})
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))
}

func TestAddExtractionFailurePropagates(t *testing.T) {
	fx := newFixture(t)
	fx.ext.err = apperr.New(apperr.CodeProviderUnavailable, "model is down")

	_, err := fx.svc.Add(context.Background(), userMessages())
	assert.Equal(t, apperr.CodeProviderUnavailable, apperr.CodeOf(err))
}

func seedMemory(t *testing.T, fx *fixture, owner, content string) string {
	t.Helper()
	fx.ext.facts = []types.ExtractedFact{{Content: content, Action: types.ActionAdd}}
	resp, err := fx.svc.Add(context.Background(), &types.AddRequest{
		Messages: []types.Message{{Content: content}},
		UserID:   owner,
	})
	require.NoError(t, err)
	return resp.Results[0].ID
}

func TestGetEnforcesOwnership(t *testing.T) {
	fx := newFixture(t)
	id := seedMemory(t, fx, "alice", "I use PostgreSQL 16")

	_, err := fx.svc.Get(context.Background(), id, "mallory")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAccessDenied, apperr.CodeOf(err))
	assert.Contains(t, err.Error(),
		fmt.Sprintf("Access denied: Memory %s does not belong to user mallory", id))

	_, err = fx.svc.Get(context.Background(), "missing", "alice")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestDeleteRecordsHistoryAndRemovesNode(t *testing.T) {
	fx := newFixture(t)
	id := seedMemory(t, fx, "alice", "I use PostgreSQL 16")

	require.NoError(t, fx.svc.Delete(context.Background(), id, "alice"))

	_, err := fx.svc.Get(context.Background(), id, "alice")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	events, err := fx.svc.History(context.Background(), id, "alice")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventDelete, events[1].Event)
	assert.Equal(t, []string{id}, fx.pool.removed)
}

func TestDeleteOtherUsersMemoryDenied(t *testing.T) {
	fx := newFixture(t)
	id := seedMemory(t, fx, "alice", "I use PostgreSQL 16")

	err := fx.svc.Delete(context.Background(), id, "mallory")
	assert.Equal(t, apperr.CodeAccessDenied, apperr.CodeOf(err))

	_, err = fx.svc.Get(context.Background(), id, "alice")
	assert.NoError(t, err, "the memory survives the denied attempt")
}

func TestSearchScopedToOwner(t *testing.T) {
	fx := newFixture(t)
	seedMemory(t, fx, "alice", "I use PostgreSQL 16")
	seedMemory(t, fx, "bob", "I use MySQL 8")

	resp, err := fx.svc.Search(context.Background(), &types.SearchRequest{
		Query: "what database do I use", UserID: "alice",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "I use PostgreSQL 16", resp.Results[0].Memory)
}

func TestSearchValidation(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Search(context.Background(), &types.SearchRequest{UserID: "alice"})
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))

	_, err = fx.svc.Search(context.Background(), &types.SearchRequest{Query: "x"})
	assert.Equal(t, apperr.CodeBadInput, apperr.CodeOf(err))
}

func TestHistoryOutlivesMemory(t *testing.T) {
	fx := newFixture(t)
	id := seedMemory(t, fx, "alice", "I use PostgreSQL 16")
	require.NoError(t, fx.svc.Delete(context.Background(), id, "alice"))

	events, err := fx.svc.History(context.Background(), id, "alice")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	_, err = fx.svc.History(context.Background(), id, "mallory")
	assert.Equal(t, apperr.CodeAccessDenied, apperr.CodeOf(err))

	_, err = fx.svc.History(context.Background(), "never-existed", "alice")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestDeleteAll(t *testing.T) {
	fx := newFixture(t)
	seedMemory(t, fx, "alice", "fact one")
	seedMemory(t, fx, "alice", "fact two")
	seedMemory(t, fx, "bob", "bob's fact")

	n, err := fx.svc.DeleteAll(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := fx.svc.List(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestAgentScopeFallback(t *testing.T) {
	fx := newFixture(t)
	fx.ext.facts = []types.ExtractedFact{{Content: "agent fact", Action: types.ActionAdd}}

	resp, err := fx.svc.Add(context.Background(), &types.AddRequest{
		Messages: []types.Message{{Content: "x"}},
		AgentID:  "agent-7",
	})
	require.NoError(t, err)

	mem, err := fx.svc.Get(context.Background(), resp.Results[0].ID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, "agent-7", mem.OwnerID)
	assert.Equal(t, "agent-7", mem.Metadata["agent_id"])
}
