package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"codemem/internal/apperr"
)

// DefaultDepth bounds related-memory traversal when the caller does not ask
// for one.
const DefaultDepth = 2

// RelatedMemory is one node reached by traversal, with how it was reached.
type RelatedMemory struct {
	Memory   MemoryNode `json:"memory"`
	Distance int        `json:"distance"`
	Via      EdgeKind   `json:"via"`
}

// RelatedMemories walks the memory graph breadth-first from id, following
// edges in both directions, up to depth hops. The origin is never included
// and each memory appears once, at its shortest distance. kinds narrows the
// traversal to those relation types; empty means all memory relations.
func (e *Engine) RelatedMemories(_ context.Context, id string, depth int, kinds []EdgeKind) ([]RelatedMemory, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	allowed := map[EdgeKind]bool{}
	for _, k := range kinds {
		allowed[k] = true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.memories[id]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", id))
	}

	visited := map[string]bool{id: true}
	frontier := []hop{{id: id}}
	var out []RelatedMemory

	for dist := 1; dist <= depth && len(frontier) > 0; dist++ {
		var next []hop
		for _, cur := range frontier {
			for _, n := range e.memoryNeighbors(cur.id, allowed) {
				if visited[n.id] {
					continue
				}
				visited[n.id] = true
				out = append(out, RelatedMemory{Memory: *e.memories[n.id], Distance: dist, Via: n.via})
				next = append(next, n)
			}
		}
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out, nil
}

// hop is one traversal step: a neighboring memory and the relation used to
// reach it.
type hop struct {
	id  string
	via EdgeKind
}

// memoryNeighbors lists memory nodes one hop from id over memory relations,
// both directions, sorted by neighbor ID so traversal order is stable.
// Callers hold the lock.
func (e *Engine) memoryNeighbors(id string, allowed map[EdgeKind]bool) []hop {
	key := memKey(id)
	var out []hop
	add := func(otherKey string, kind EdgeKind) {
		if !memoryEdgeKinds[kind] || !isMemKey(otherKey) {
			return
		}
		if len(allowed) > 0 && !allowed[kind] {
			return
		}
		out = append(out, hop{memIDFromKey(otherKey), kind})
	}
	for _, edge := range e.out[key] {
		add(edge.To, edge.Kind)
	}
	for _, edge := range e.in[key] {
		add(edge.From, edge.Kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Path is the result of a shortest-path query. Memories holds the node IDs
// endpoint to endpoint; Relations holds the edge kinds between consecutive
// nodes, so len(Relations) == len(Memories)-1.
type Path struct {
	Memories  []string   `json:"memories"`
	Relations []EdgeKind `json:"relations"`
	Length    int        `json:"length"`
}

// FindPath returns a shortest undirected path between two memories, or nil
// when they are not connected.
func (e *Engine) FindPath(_ context.Context, fromID, toID string) (*Path, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, id := range []string{fromID, toID} {
		if _, ok := e.memories[id]; !ok {
			return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", id))
		}
	}
	if fromID == toID {
		return &Path{Memories: []string{fromID}}, nil
	}

	came := map[string]step{fromID: {}}
	frontier := []string{fromID}

	for len(frontier) > 0 {
		var next []string
		for _, cur := range frontier {
			for _, n := range e.memoryNeighbors(cur, nil) {
				if _, seen := came[n.id]; seen {
					continue
				}
				came[n.id] = step{prev: cur, via: n.via}
				if n.id == toID {
					return rebuildPath(came, fromID, toID), nil
				}
				next = append(next, n.id)
			}
		}
		frontier = next
	}
	return nil, nil
}

// step records how BFS first reached a node.
type step struct {
	prev string
	via  EdgeKind
}

func rebuildPath(came map[string]step, fromID, toID string) *Path {
	var ids []string
	var rels []EdgeKind
	for cur := toID; cur != fromID; cur = came[cur].prev {
		ids = append(ids, cur)
		rels = append(rels, came[cur].via)
	}
	ids = append(ids, fromID)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	for i, j := 0, len(rels)-1; i < j; i, j = i+1, j-1 {
		rels[i], rels[j] = rels[j], rels[i]
	}
	return &Path{Memories: ids, Relations: rels, Length: len(rels)}
}

// Thread follows RESPONDS_TO links from a memory in both directions and
// returns the whole conversation chain in chronological order.
func (e *Engine) Thread(_ context.Context, id string) ([]MemoryNode, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.memories[id]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", id))
	}

	allowed := map[EdgeKind]bool{RespondsTo: true}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	nodes := []MemoryNode{*e.memories[id]}
	for len(frontier) > 0 {
		var next []string
		for _, cur := range frontier {
			for _, n := range e.memoryNeighbors(cur, allowed) {
				if visited[n.id] {
					continue
				}
				visited[n.id] = true
				nodes = append(nodes, *e.memories[n.id])
				next = append(next, n.id)
			}
		}
		frontier = next
	}
	sort.Slice(nodes, func(i, j int) bool {
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// EvolutionEntry is one step of a topic's history.
type EvolutionEntry struct {
	Memory     MemoryNode `json:"memory"`
	Superseded bool       `json:"superseded"`
}

// Evolution returns the memories tracing a topic over time: nodes whose
// content mentions the topic, plus anything they reach over EXTENDS or
// SUPERSEDES links, ordered oldest first. A zero since or until leaves that
// end of the window open.
func (e *Engine) Evolution(_ context.Context, ownerID, topic string, since, until time.Time) ([]EvolutionEntry, error) {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if topic == "" {
		return nil, apperr.BadInput("topic must not be empty")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := map[string]bool{}
	for id, node := range e.memories {
		if node.OwnerID == ownerID && strings.Contains(strings.ToLower(node.Content), topic) {
			matched[id] = true
		}
	}

	// Pull in everything connected to a match by a lineage edge, so a
	// rewrite that no longer names the topic still shows up.
	frontier := make([]string, 0, len(matched))
	for id := range matched {
		frontier = append(frontier, id)
	}
	sort.Strings(frontier)
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, n := range e.memoryNeighbors(id, map[EdgeKind]bool{Extends: true, Supersedes: true}) {
				if matched[n.id] || e.memories[n.id].OwnerID != ownerID {
					continue
				}
				matched[n.id] = true
				next = append(next, n.id)
			}
		}
		frontier = next
	}

	var out []EvolutionEntry
	for id := range matched {
		node := e.memories[id]
		if !since.IsZero() && node.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && node.CreatedAt.After(until) {
			continue
		}
		out = append(out, EvolutionEntry{
			Memory:     *node,
			Superseded: e.isSuperseded(id),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Memory.CreatedAt.Equal(out[j].Memory.CreatedAt) {
			return out[i].Memory.CreatedAt.Before(out[j].Memory.CreatedAt)
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out, nil
}

// isSuperseded reports whether any inbound SUPERSEDES edge targets id.
// Callers hold the lock.
func (e *Engine) isSuperseded(id string) bool {
	for _, edge := range e.in[memKey(id)] {
		if edge.Kind == Supersedes {
			return true
		}
	}
	return false
}

// Supersession pairs an obsolete memory with its replacement.
type Supersession struct {
	Obsolete   MemoryNode `json:"obsolete"`
	ReplacedBy MemoryNode `json:"replaced_by"`
	LinkedAt   time.Time  `json:"linked_at"`
}

// Superseded lists an owner's obsolete memories with their replacements,
// most recently superseded first.
func (e *Engine) Superseded(_ context.Context, ownerID string) []Supersession {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Supersession
	for _, edge := range e.edges {
		if edge.Kind != Supersedes {
			continue
		}
		newer, okA := e.memories[memIDFromKey(edge.From)]
		older, okB := e.memories[memIDFromKey(edge.To)]
		if !okA || !okB || older.OwnerID != ownerID || newer.OwnerID != ownerID {
			continue
		}
		out = append(out, Supersession{Obsolete: *older, ReplacedBy: *newer, LinkedAt: edge.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LinkedAt.Equal(out[j].LinkedAt) {
			return out[i].LinkedAt.After(out[j].LinkedAt)
		}
		return out[i].Obsolete.ID < out[j].Obsolete.ID
	})
	return out
}

// ListComponents returns all components sorted by name.
func (e *Engine) ListComponents(_ context.Context) []Component {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Component, 0, len(e.components))
	for _, c := range e.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
