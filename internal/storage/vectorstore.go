// Package storage provides the vector store abstraction and its Qdrant
// implementation.
package storage

import (
	"context"

	"codemem/pkg/types"
)

// SearchQuery describes one k-NN request. OwnerID is mandatory: search is
// always scoped.
type SearchQuery struct {
	Vector   []float32
	OwnerID  string
	Limit    int
	MinScore float32
	// Filters match metadata values exactly.
	Filters map[string]interface{}
}

// VectorStore is the engine contract: anything that can hold
// embedding-indexed memories keyed by ID with per-owner filtering.
type VectorStore interface {
	// Initialize connects, ensures the collection exists with the
	// configured dimensionality, and decides the index strategy.
	// A dimensionality mismatch with an existing collection is fatal.
	Initialize(ctx context.Context) error

	Insert(ctx context.Context, mem *types.Memory) error
	Get(ctx context.Context, id string) (*types.Memory, error)
	Update(ctx context.Context, mem *types.Memory) error
	Delete(ctx context.Context, id string) error

	Search(ctx context.Context, query SearchQuery) ([]types.SearchResult, error)
	ListByOwner(ctx context.Context, ownerID string) ([]types.Memory, error)
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
	Count(ctx context.Context) (int64, error)

	// Reset drops and recreates the collection. Administrative only.
	Reset(ctx context.Context) error

	HealthCheck(ctx context.Context) error
	Close() error
}
