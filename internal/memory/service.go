// Package memory implements the core memory pipeline: LLM extraction,
// embedding, vector-store writes, history logging, and handoff to the
// asynchronous graph projection.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/embeddings"
	"codemem/internal/history"
	"codemem/internal/llm"
	"codemem/internal/logging"
	"codemem/internal/storage"
	"codemem/pkg/types"
)

const defaultSearchLimit = 10

// Enqueuer is the projection-pool surface the service needs.
type Enqueuer interface {
	Enqueue(mem *types.Memory)
	EnqueueRemoval(memoryID string)
}

// Service orchestrates all memory operations. The vector-store insert is the
// commit point: once it lands, the memory is durable and searchable even if
// every downstream step fails.
type Service struct {
	store     storage.VectorStore
	history   *history.Store
	embedder  embeddings.Service
	extractor llm.Extractor
	pool      Enqueuer
	cfg       *config.Config
	logger    logging.Logger

	now   func() time.Time
	newID func() string
}

// NewService wires the pipeline.
func NewService(store storage.VectorStore, hist *history.Store, embedder embeddings.Service,
	extractor llm.Extractor, pool Enqueuer, cfg *config.Config, logger logging.Logger) *Service {
	return &Service{
		store:     store,
		history:   hist,
		embedder:  embedder,
		extractor: extractor,
		pool:      pool,
		cfg:       cfg,
		logger:    logger.WithComponent("memory"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// ownerOf resolves the scope identity of a request: user, then agent, then
// run.
func ownerOf(userID, agentID, runID string) string {
	switch {
	case userID != "":
		return userID
	case agentID != "":
		return agentID
	default:
		return runID
	}
}

// Add runs extraction over the submitted messages and applies the resulting
// operations in extractor order. The response reports one entry per fact,
// including NONE verdicts, and returns as soon as the vector-store writes
// and history rows have landed.
func (s *Service) Add(ctx context.Context, req *types.AddRequest) (*types.AddResponse, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.BadInput("messages must not be empty")
	}
	if !req.Scoped() {
		return nil, apperr.BadInput("at least one of user_id, agent_id, run_id is required")
	}
	owner := ownerOf(req.UserID, req.AgentID, req.RunID)

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ExtractionTimeout)
	defer cancel()
	facts, err := s.extractor.Extract(extractCtx, req.Messages)
	if err != nil {
		return nil, err
	}

	resp := &types.AddResponse{Results: []types.AddResult{}, Relations: []interface{}{}}
	for _, fact := range facts {
		result, err := s.applyFact(ctx, owner, fact, req)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, *result)
	}
	return resp, nil
}

func (s *Service) applyFact(ctx context.Context, owner string, fact types.ExtractedFact, req *types.AddRequest) (*types.AddResult, error) {
	if fact.Action == types.ActionNone {
		return &types.AddResult{Memory: fact.Content, Event: types.EventNone}, nil
	}

	vector, err := s.embedder.Generate(ctx, fact.Content)
	if err != nil {
		return nil, err
	}

	if fact.Action == types.ActionUpdate {
		if result, ok, err := s.tryUpdate(ctx, owner, fact.Content, vector); err != nil {
			return nil, err
		} else if ok {
			return result, nil
		}
		// No similar memory to revise: store the fact as new instead of
		// losing it.
	}
	return s.addNew(ctx, owner, fact.Content, vector, req)
}

func (s *Service) addNew(ctx context.Context, owner, content string, vector []float32, req *types.AddRequest) (*types.AddResult, error) {
	now := s.now().UTC()
	mem := &types.Memory{
		ID:          s.newID(),
		OwnerID:     owner,
		Content:     content,
		Embedding:   vector,
		Metadata:    addMetadata(req),
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentHash: types.HashContent(content),
	}
	if err := s.store.Insert(ctx, mem); err != nil {
		return nil, err
	}
	if err := s.history.Append(ctx, owner, mem.ID, types.EventAdd, "", content); err != nil {
		return nil, err
	}
	s.pool.Enqueue(mem)
	return &types.AddResult{ID: mem.ID, Memory: content, Event: types.EventAdd, CreatedAt: now}, nil
}

// tryUpdate revises the most similar existing memory in the owner's scope
// when it clears the similarity threshold.
func (s *Service) tryUpdate(ctx context.Context, owner, content string, vector []float32) (*types.AddResult, bool, error) {
	hits, err := s.store.Search(ctx, storage.SearchQuery{
		Vector:   vector,
		OwnerID:  owner,
		Limit:    1,
		MinScore: s.cfg.Server.UpdateSimilarityThreshold,
	})
	if err != nil {
		return nil, false, err
	}
	if len(hits) == 0 {
		return nil, false, nil
	}

	target := hits[0].Memory
	prev := target.Content
	target.Content = content
	target.Embedding = vector
	target.ContentHash = types.HashContent(content)
	target.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, &target); err != nil {
		return nil, false, err
	}
	if err := s.history.Append(ctx, owner, target.ID, types.EventUpdate, prev, content); err != nil {
		return nil, false, err
	}
	s.pool.Enqueue(&target)
	return &types.AddResult{ID: target.ID, Memory: content, Event: types.EventUpdate, CreatedAt: target.CreatedAt}, true, nil
}

func addMetadata(req *types.AddRequest) map[string]interface{} {
	meta := make(map[string]interface{}, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.AgentID != "" {
		meta["agent_id"] = req.AgentID
	}
	if req.RunID != "" {
		meta["run_id"] = req.RunID
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// Get returns one memory after checking ownership. A memory belonging to
// someone else is reported as access denied, never as missing: the caller
// already proved the ID exists.
func (s *Service) Get(ctx context.Context, id, userID string) (*types.Memory, error) {
	mem, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if mem.OwnerID != userID {
		return nil, apperr.AccessDeniedForMemory(id, userID)
	}
	return mem, nil
}

// List returns all of a user's memories, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]types.Memory, error) {
	if userID == "" {
		return nil, apperr.BadInput("user_id is required")
	}
	return s.store.ListByOwner(ctx, userID)
}

// Update replaces a memory's content in place.
func (s *Service) Update(ctx context.Context, id, userID, content string) (*types.Memory, error) {
	if content == "" {
		return nil, apperr.BadInput("content must not be empty")
	}
	mem, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	vector, err := s.embedder.Generate(ctx, content)
	if err != nil {
		return nil, err
	}

	prev := mem.Content
	mem.Content = content
	mem.Embedding = vector
	mem.ContentHash = types.HashContent(content)
	mem.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, mem); err != nil {
		return nil, err
	}
	if err := s.history.Append(ctx, userID, id, types.EventUpdate, prev, content); err != nil {
		return nil, err
	}
	s.pool.Enqueue(mem)
	return mem, nil
}

// Delete removes a memory. Its history remains queryable afterwards.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	mem, err := s.Get(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.history.Append(ctx, userID, id, types.EventDelete, mem.Content, ""); err != nil {
		return err
	}
	s.pool.EnqueueRemoval(id)
	return nil
}

// DeleteAll removes every memory of a user and returns how many.
func (s *Service) DeleteAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, apperr.BadInput("user_id is required")
	}
	memories, err := s.store.ListByOwner(ctx, userID)
	if err != nil {
		return 0, err
	}
	if _, err := s.store.DeleteByOwner(ctx, userID); err != nil {
		return 0, err
	}
	for i := range memories {
		mem := &memories[i]
		if err := s.history.Append(ctx, userID, mem.ID, types.EventDelete, mem.Content, ""); err != nil {
			return 0, err
		}
		s.pool.EnqueueRemoval(mem.ID)
	}
	return len(memories), nil
}

// Search embeds the query and runs owner-scoped k-NN.
func (s *Service) Search(ctx context.Context, req *types.SearchRequest) (*types.SearchResponse, error) {
	if req.Query == "" {
		return nil, apperr.BadInput("query must not be empty")
	}
	owner := ownerOf(req.UserID, req.AgentID, req.RunID)
	if owner == "" {
		return nil, apperr.BadInput("at least one of user_id, agent_id, run_id is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	vector, err := s.embedder.Generate(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	hits, err := s.store.Search(ctx, storage.SearchQuery{
		Vector:  vector,
		OwnerID: owner,
		Limit:   limit,
		Filters: req.Filters,
	})
	if err != nil {
		return nil, err
	}

	resp := &types.SearchResponse{Results: make([]types.SearchHit, 0, len(hits))}
	for _, hit := range hits {
		resp.Results = append(resp.Results, types.SearchHit{
			ID:        hit.ID,
			Memory:    hit.Content,
			Score:     hit.Score,
			Metadata:  hit.Metadata,
			CreatedAt: hit.CreatedAt,
		})
	}
	return resp, nil
}

// History returns a memory's event trail. The trail outlives the memory, so
// ownership is checked against the trail itself.
func (s *Service) History(ctx context.Context, id, userID string) ([]types.HistoryEvent, error) {
	owner, err := s.history.Owner(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", id))
	}
	if owner != userID {
		return nil, apperr.AccessDeniedForMemory(id, userID)
	}
	return s.history.List(ctx, id)
}

// Reset wipes the vector store and history. Administrative only; the caller
// resets the graph alongside.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx); err != nil {
		return err
	}
	return s.history.Reset(ctx)
}

// AllMemories streams every stored memory of a user for graph re-sync.
func (s *Service) AllMemories(ctx context.Context, userID string) ([]types.Memory, error) {
	return s.store.ListByOwner(ctx, userID)
}
