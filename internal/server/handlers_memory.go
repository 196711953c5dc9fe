package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"codemem/internal/apperr"
	"codemem/pkg/types"
)

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req types.AddRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Add(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	memories, err := s.svc.List(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if memories == nil {
		memories = []types.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": memories})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.svc.DeleteAll(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Memories deleted",
		"deleted": n,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mem, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

type updateRequest struct {
	Content string `json:"content"`
	UserID  string `json:"user_id"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID == "" {
		req.UserID = userIDOf(r)
	}
	if req.UserID == "" {
		s.writeError(w, r, apperr.BadInput("user_id is required"))
		return
	}
	mem, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), req.UserID, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mem)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), id, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Memory " + id + " deleted"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.svc.History(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []types.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": events})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req types.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Search(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEnhancedSearch is vector search enriched with graph signals: each
// hit carries its trust score and how many memories link to it.
func (s *Server) handleEnhancedSearch(w http.ResponseWriter, r *http.Request) {
	var req types.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Search(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for i := range resp.Results {
		hit := &resp.Results[i]
		if hit.Metadata == nil {
			hit.Metadata = map[string]interface{}{}
		}
		// Memories not yet projected simply carry no graph signals.
		if trust, err := s.graph.TrustScore(r.Context(), hit.ID); err == nil {
			hit.Metadata["trust_score"] = trust.Score
		}
		if related, err := s.graph.RelatedMemories(r.Context(), hit.ID, 1, nil); err == nil {
			hit.Metadata["related_count"] = len(related)
		}
	}
	resp.Enhanced = true
	writeJSON(w, http.StatusOK, resp)
}
