package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"codemem/internal/apperr"
	"codemem/internal/graph"
)

// ownMemory verifies the caller owns a memory before any graph operation
// touches it. Graph nodes mirror stored memories, so the vector store is the
// ownership authority.
func (s *Server) ownMemory(r *http.Request, memoryID, userID string) error {
	_, err := s.svc.Get(r.Context(), memoryID, userID)
	return err
}

type linkRequest struct {
	FromID   string `json:"from_id"`
	ToID     string `json:"to_id"`
	Relation string `json:"relation"`
	Note     string `json:"note,omitempty"`
	UserID   string `json:"user_id"`
}

func (s *Server) handleGraphLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, apperr.BadInput("user_id is required"))
		return
	}
	kind, err := graph.ParseMemoryEdgeKind(req.Relation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, id := range []string{req.FromID, req.ToID} {
		if err := s.ownMemory(r, id, req.UserID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	edge, err := s.graph.LinkMemories(r.Context(), req.FromID, req.ToID, kind, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleGraphRelated(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.ownMemory(r, id, userID); err != nil {
		s.writeError(w, r, err)
		return
	}

	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		depth, err = strconv.Atoi(raw)
		if err != nil || depth < 0 {
			s.writeError(w, r, apperr.BadInput("depth must be a non-negative integer"))
			return
		}
	}
	var kinds []graph.EdgeKind
	for _, raw := range r.URL.Query()["relation"] {
		kind, err := graph.ParseMemoryEdgeKind(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		kinds = append(kinds, kind)
	}

	related, err := s.graph.RelatedMemories(r.Context(), id, depth, kinds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if related == nil {
		related = []graph.RelatedMemory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"related": related})
}

func (s *Server) handleGraphThread(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.ownMemory(r, id, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	thread, err := s.graph.Thread(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thread": thread})
}

func (s *Server) handleGraphEvolution(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := timeParam(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	until, err := timeParam(r, "until")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.graph.Evolution(r.Context(), userID, r.URL.Query().Get("topic"), since, until)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []graph.EvolutionEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"evolution": entries})
}

// timeParam parses an optional RFC 3339 query parameter; absent means zero.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.BadInput(name + " must be an RFC 3339 timestamp")
	}
	return ts, nil
}

func (s *Server) handleGraphPath(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		s.writeError(w, r, apperr.BadInput("from and to are required"))
		return
	}
	for _, id := range []string{from, to} {
		if err := s.ownMemory(r, id, userID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	path, err := s.graph.FindPath(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if path == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"connected": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connected": true, "path": path})
}

func (s *Server) handleGraphSuperseded(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := s.graph.Superseded(r.Context(), userID)
	if out == nil {
		out = []graph.Supersession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"superseded": out})
}

func (s *Server) handleGraphCommunities(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"communities": s.graph.Communities(r.Context(), userID),
	})
}

func (s *Server) handleGraphTrustScore(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.ownMemory(r, id, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.graph.TrustScore(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGraphIntelligence(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.graph.Intelligence(r.Context(), userID))
}

// handleGraphSync re-enqueues all of a user's stored memories for
// projection, repairing any that failed terminally.
func (s *Server) handleGraphSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, apperr.BadInput("user_id is required"))
		return
	}
	memories, err := s.svc.AllMemories(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n := s.pool.Sync(memories)
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": n})
}

type componentRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

func (s *Server) handleComponentCreate(w http.ResponseWriter, r *http.Request) {
	var req componentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	comp, err := s.graph.EnsureComponent(r.Context(), req.Name, req.Kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comp)
}

func (s *Server) handleComponentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"components": s.graph.ListComponents(r.Context()),
	})
}

type dependencyRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Note string `json:"note,omitempty"`
}

func (s *Server) handleComponentDependency(w http.ResponseWriter, r *http.Request) {
	var req dependencyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	edge, err := s.graph.LinkComponentDependency(r.Context(), req.From, req.To, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

type linkMemoryRequest struct {
	MemoryID  string `json:"memory_id"`
	Component string `json:"component"`
	UserID    string `json:"user_id"`
}

func (s *Server) handleComponentLinkMemory(w http.ResponseWriter, r *http.Request) {
	var req linkMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, apperr.BadInput("user_id is required"))
		return
	}
	if err := s.ownMemory(r, req.MemoryID, req.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	edge, err := s.graph.LinkMemoryToComponent(r.Context(), req.MemoryID, req.Component)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, edge)
}

func (s *Server) handleComponentImpact(w http.ResponseWriter, r *http.Request) {
	report, err := s.graph.ImpactAnalysis(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type decisionRequest struct {
	Decision     string   `json:"decision"`
	Pros         []string `json:"pros,omitempty"`
	Cons         []string `json:"cons,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	UserID       string   `json:"user_id"`
	MemoryID     string   `json:"memory_id,omitempty"`
}

func (s *Server) handleDecisionCreate(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		s.writeError(w, r, apperr.BadInput("user_id is required"))
		return
	}
	dec, err := s.graph.CreateDecision(r.Context(), req.UserID, req.Decision,
		req.Pros, req.Cons, req.Alternatives)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MemoryID != "" {
		if err := s.ownMemory(r, req.MemoryID, req.UserID); err != nil {
			s.writeError(w, r, err)
			return
		}
		if _, err := s.graph.LinkDecisionToMemory(r.Context(), dec.ID, req.MemoryID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleDecisionList(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": s.graph.ListDecisions(r.Context(), userID),
	})
}

func (s *Server) handleDecisionGet(w http.ResponseWriter, r *http.Request) {
	rationale, err := s.graph.GetDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rationale)
}
