// Package types holds the domain model shared by the stores, the extraction
// pipeline, and both HTTP surfaces.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Memory is the atomic unit: one durable fact extracted from submitted text,
// owned by exactly one user or project scope.
type Memory struct {
	ID          string                 `json:"id"`
	OwnerID     string                 `json:"owner_id"`
	Content     string                 `json:"content"`
	Embedding   []float32              `json:"-"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ContentHash string                 `json:"content_hash,omitempty"`
}

// HashContent returns the stable dedup hash of content: SHA-256 over the
// NFC-normalized text.
func HashContent(content string) string {
	normalized := norm.NFC.String(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// EventKind classifies history events.
type EventKind string

const (
	EventAdd    EventKind = "ADD"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	// EventNone marks extractor output that produced no write.
	EventNone EventKind = "NONE"
)

// HistoryEvent is one append-only record of a memory's evolution.
type HistoryEvent struct {
	ID          int64     `json:"id"`
	MemoryID    string    `json:"memory_id"`
	Event       EventKind `json:"event"`
	PrevContent string    `json:"prev_content,omitempty"`
	NewContent  string    `json:"new_content,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SearchResult is one ranked hit from the vector store.
type SearchResult struct {
	Memory
	Score float32 `json:"score"`
}

// Message is one turn of submitted conversation text.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AddRequest is the POST /memories body.
type AddRequest struct {
	Messages []Message              `json:"messages"`
	UserID   string                 `json:"user_id"`
	AgentID  string                 `json:"agent_id,omitempty"`
	RunID    string                 `json:"run_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Scoped reports whether the request names at least one scope identifier.
func (r *AddRequest) Scoped() bool {
	return r.UserID != "" || r.AgentID != "" || r.RunID != ""
}

// AddResult is one element of the POST /memories response.
type AddResult struct {
	ID        string    `json:"id"`
	Memory    string    `json:"memory"`
	Event     EventKind `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// AddResponse is the POST /memories reply. Relations is always empty in the
// synchronous response: graph projection happens in the background.
type AddResponse struct {
	Results   []AddResult   `json:"results"`
	Relations []interface{} `json:"relations"`
}

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query   string                 `json:"query"`
	UserID  string                 `json:"user_id"`
	Limit   int                    `json:"limit,omitempty"`
	Filters map[string]interface{} `json:"filters,omitempty"`
	AgentID string                 `json:"agent_id,omitempty"`
	RunID   string                 `json:"run_id,omitempty"`
}

// SearchResponse is the POST /search reply.
type SearchResponse struct {
	Results  []SearchHit `json:"results"`
	Enhanced bool        `json:"enhanced,omitempty"`
}

// SearchHit is the wire form of one search result.
type SearchHit struct {
	ID        string                 `json:"id"`
	Memory    string                 `json:"memory"`
	Score     float32                `json:"score"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ExtractionAction is the extractor's verdict for one fact.
type ExtractionAction string

const (
	ActionAdd    ExtractionAction = "ADD"
	ActionUpdate ExtractionAction = "UPDATE"
	ActionNone   ExtractionAction = "NONE"
)

// ExtractedFact is one atomic fact emitted by the LLM extractor.
type ExtractedFact struct {
	Content string           `json:"content"`
	Action  ExtractionAction `json:"action"`
}
