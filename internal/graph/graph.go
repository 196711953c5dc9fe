// Package graph is the knowledge-graph engine: typed nodes and edges over
// the memory corpus, traversal, and the analysis operations built on them.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

// NodeKind discriminates the three node types.
type NodeKind string

const (
	NodeMemory    NodeKind = "memory"
	NodeComponent NodeKind = "component"
	NodeDecision  NodeKind = "decision"
)

// EdgeKind is a typed relation between nodes.
type EdgeKind string

const (
	RelatesTo     EdgeKind = "RELATES_TO"
	DependsOn     EdgeKind = "DEPENDS_ON"
	Supersedes    EdgeKind = "SUPERSEDES"
	RespondsTo    EdgeKind = "RESPONDS_TO"
	Extends       EdgeKind = "EXTENDS"
	ConflictsWith EdgeKind = "CONFLICTS_WITH"
	Describes     EdgeKind = "DESCRIBES"
	Justifies     EdgeKind = "JUSTIFIES"
)

// memoryEdgeKinds are the relations allowed between two memory nodes.
var memoryEdgeKinds = map[EdgeKind]bool{
	RelatesTo:     true,
	DependsOn:     true,
	Supersedes:    true,
	RespondsTo:    true,
	Extends:       true,
	ConflictsWith: true,
}

// ParseMemoryEdgeKind validates a caller-supplied relation name for
// memory-to-memory links.
func ParseMemoryEdgeKind(s string) (EdgeKind, error) {
	kind := EdgeKind(strings.ToUpper(strings.TrimSpace(s)))
	if !memoryEdgeKinds[kind] {
		return "", apperr.BadInput(fmt.Sprintf("unknown relation type %q", s))
	}
	return kind, nil
}

// MemoryNode is the graph projection of one stored memory.
type MemoryNode struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Component is an upserted-by-name architecture element.
type Component struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision records a design choice with its rationale.
type Decision struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Decision     string    `json:"decision"`
	Pros         []string  `json:"pros,omitempty"`
	Cons         []string  `json:"cons,omitempty"`
	Alternatives []string  `json:"alternatives,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Edge is one directed, typed relation. From and To are node keys.
type Edge struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      EdgeKind  `json:"kind"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Node keys are namespaced so memory IDs, component names, and decision IDs
// never collide.
func memKey(id string) string        { return "memory:" + id }
func compKey(name string) string     { return "component:" + name }
func decKey(id string) string        { return "decision:" + id }
func isMemKey(key string) bool       { return strings.HasPrefix(key, "memory:") }
func memIDFromKey(key string) string { return strings.TrimPrefix(key, "memory:") }

// Engine holds the graph in memory behind a single lock. All mutations come
// through the projection pipeline or the REST graph endpoints; reads are
// cheap enough that the coarse lock has not been a bottleneck.
type Engine struct {
	mu sync.RWMutex

	memories   map[string]*MemoryNode // by memory ID
	components map[string]*Component  // by name
	decisions  map[string]*Decision   // by decision ID

	edges []*Edge
	out   map[string][]*Edge // by From node key
	in    map[string][]*Edge // by To node key

	trust  config.TrustConfig
	logger logging.Logger
	now    func() time.Time
}

// NewEngine builds an empty graph.
func NewEngine(trust config.TrustConfig, logger logging.Logger) *Engine {
	return &Engine{
		memories:   make(map[string]*MemoryNode),
		components: make(map[string]*Component),
		decisions:  make(map[string]*Decision),
		out:        make(map[string][]*Edge),
		in:         make(map[string][]*Edge),
		trust:      trust,
		logger:     logger,
		now:        time.Now,
	}
}

// UpsertMemoryNode creates or refreshes the node for one memory.
func (e *Engine) UpsertMemoryNode(_ context.Context, mem *types.Memory) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.memories[mem.ID]; ok {
		existing.Content = mem.Content
		existing.OwnerID = mem.OwnerID
		return nil
	}
	e.memories[mem.ID] = &MemoryNode{
		ID:        mem.ID,
		OwnerID:   mem.OwnerID,
		Content:   mem.Content,
		CreatedAt: mem.CreatedAt,
	}
	return nil
}

// RemoveMemoryNode deletes the node and every edge touching it. Removing a
// node that was never projected is a no-op.
func (e *Engine) RemoveMemoryNode(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.memories[id]; !ok {
		return nil
	}
	delete(e.memories, id)
	e.dropEdgesTouching(memKey(id))
	return nil
}

func (e *Engine) dropEdgesTouching(key string) {
	kept := e.edges[:0]
	for _, edge := range e.edges {
		if edge.From == key || edge.To == key {
			continue
		}
		kept = append(kept, edge)
	}
	e.edges = kept
	e.rebuildAdjacency()
}

func (e *Engine) rebuildAdjacency() {
	e.out = make(map[string][]*Edge, len(e.memories))
	e.in = make(map[string][]*Edge, len(e.memories))
	for _, edge := range e.edges {
		e.out[edge.From] = append(e.out[edge.From], edge)
		e.in[edge.To] = append(e.in[edge.To], edge)
	}
}

func (e *Engine) addEdge(from, to string, kind EdgeKind, note string) *Edge {
	for _, existing := range e.out[from] {
		if existing.To == to && existing.Kind == kind {
			existing.Note = note
			return existing
		}
	}
	edge := &Edge{From: from, To: to, Kind: kind, Note: note, CreatedAt: e.now().UTC()}
	e.edges = append(e.edges, edge)
	e.out[from] = append(e.out[from], edge)
	e.in[to] = append(e.in[to], edge)
	return edge
}

// LinkMemories creates a typed relation between two memory nodes. Both
// endpoints must already be in the graph.
func (e *Engine) LinkMemories(_ context.Context, fromID, toID string, kind EdgeKind, note string) (*Edge, error) {
	if !memoryEdgeKinds[kind] {
		return nil, apperr.BadInput(fmt.Sprintf("relation %s is not valid between memories", kind))
	}
	if fromID == toID {
		return nil, apperr.BadInput("cannot link a memory to itself")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.memories[fromID]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", fromID))
	}
	if _, ok := e.memories[toID]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", toID))
	}
	return e.addEdge(memKey(fromID), memKey(toID), kind, note), nil
}

// EnsureComponent upserts a component by name and returns it.
func (e *Engine) EnsureComponent(_ context.Context, name, kind string) (*Component, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.BadInput("component name must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.components[name]; ok {
		if kind != "" {
			existing.Kind = kind
		}
		return existing, nil
	}
	c := &Component{Name: name, Kind: kind, CreatedAt: e.now().UTC()}
	e.components[name] = c
	return c, nil
}

// LinkComponentDependency records from DEPENDS_ON to. Both components must
// exist.
func (e *Engine) LinkComponentDependency(_ context.Context, from, to, note string) (*Edge, error) {
	if from == to {
		return nil, apperr.BadInput("a component cannot depend on itself")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.components[from]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Component %s not found", from))
	}
	if _, ok := e.components[to]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Component %s not found", to))
	}
	return e.addEdge(compKey(from), compKey(to), DependsOn, note), nil
}

// LinkMemoryToComponent records that a memory DESCRIBES a component.
func (e *Engine) LinkMemoryToComponent(_ context.Context, memoryID, component string) (*Edge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.memories[memoryID]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", memoryID))
	}
	if _, ok := e.components[component]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Component %s not found", component))
	}
	return e.addEdge(memKey(memoryID), compKey(component), Describes, ""), nil
}

// CreateDecision records a decision node.
func (e *Engine) CreateDecision(_ context.Context, ownerID, decision string, pros, cons, alternatives []string) (*Decision, error) {
	if strings.TrimSpace(decision) == "" {
		return nil, apperr.BadInput("decision text must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d := &Decision{
		ID:           "decision_" + uuid.NewString(),
		OwnerID:      ownerID,
		Decision:     decision,
		Pros:         pros,
		Cons:         cons,
		Alternatives: alternatives,
		CreatedAt:    e.now().UTC(),
	}
	e.decisions[d.ID] = d
	return d, nil
}

// LinkDecisionToMemory records that a decision JUSTIFIES a memory.
func (e *Engine) LinkDecisionToMemory(_ context.Context, decisionID, memoryID string) (*Edge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.decisions[decisionID]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Decision %s not found", decisionID))
	}
	if _, ok := e.memories[memoryID]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", memoryID))
	}
	return e.addEdge(decKey(decisionID), memKey(memoryID), Justifies, ""), nil
}

// DecisionRationale returns a decision with the memories it justifies.
type DecisionRationale struct {
	Decision *Decision    `json:"decision"`
	Memories []MemoryNode `json:"justified_memories"`
}

// GetDecision returns a decision and its justified memories.
func (e *Engine) GetDecision(_ context.Context, decisionID string) (*DecisionRationale, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d, ok := e.decisions[decisionID]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Decision %s not found", decisionID))
	}
	out := &DecisionRationale{Decision: d}
	for _, edge := range e.out[decKey(decisionID)] {
		if edge.Kind != Justifies {
			continue
		}
		if node, ok := e.memories[memIDFromKey(edge.To)]; ok {
			out.Memories = append(out.Memories, *node)
		}
	}
	sort.Slice(out.Memories, func(i, j int) bool {
		return out.Memories[i].CreatedAt.Before(out.Memories[j].CreatedAt)
	})
	return out, nil
}

// ListDecisions returns an owner's decisions, newest first.
func (e *Engine) ListDecisions(_ context.Context, ownerID string) []*Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Decision
	for _, d := range e.decisions {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// metadataHints are the structured metadata keys projection understands.
// Everything else in the map is opaque payload.
type metadataHints struct {
	Component  string `mapstructure:"component"`
	RespondsTo string `mapstructure:"responds_to"`
}

// ProjectMemory is what the projection worker calls after a memory is
// committed to the vector store: the node is upserted and any structured
// metadata hints (component, responds_to) become edges. Failures here never
// affect the stored memory.
func (e *Engine) ProjectMemory(ctx context.Context, mem *types.Memory) error {
	if err := e.UpsertMemoryNode(ctx, mem); err != nil {
		return err
	}
	var hints metadataHints
	if err := mapstructure.Decode(mem.Metadata, &hints); err != nil {
		// Metadata is free-form; a malformed hint is not an error.
		hints = metadataHints{}
	}
	if hints.Component != "" {
		if _, err := e.EnsureComponent(ctx, hints.Component, ""); err != nil {
			return err
		}
		if _, err := e.LinkMemoryToComponent(ctx, mem.ID, hints.Component); err != nil {
			return err
		}
	}
	if hints.RespondsTo != "" {
		if _, err := e.LinkMemories(ctx, mem.ID, hints.RespondsTo, RespondsTo, ""); err != nil && apperr.CodeOf(err) != apperr.CodeNotFound {
			return err
		}
	}
	return nil
}

// Reset drops all nodes and edges. Administrative only.
func (e *Engine) Reset(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.memories = make(map[string]*MemoryNode)
	e.components = make(map[string]*Component)
	e.decisions = make(map[string]*Decision)
	e.edges = nil
	e.out = make(map[string][]*Edge)
	e.in = make(map[string][]*Edge)
	e.logger.Warn("knowledge graph reset")
	return nil
}
