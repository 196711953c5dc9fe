package graph

import (
	"context"
	"fmt"
	"math"
	"sort"

	"codemem/internal/apperr"
)

// ImpactReport describes what changing a component would touch.
type ImpactReport struct {
	Component        string         `json:"component"`
	DirectDependents []string       `json:"direct_dependents"`
	CascadeImpact    []string       `json:"cascade_impact"`
	MemoryCounts     map[string]int `json:"memory_counts"`
	ImpactScore      int            `json:"impact_score"`
}

// ImpactAnalysis walks DEPENDS_ON edges in reverse from a component:
// everything that depends on it directly, then transitively. MemoryCounts
// reports how many memories describe each affected component.
func (e *Engine) ImpactAnalysis(_ context.Context, name string) (*ImpactReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.components[name]; !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Component %s not found", name))
	}

	direct := e.dependentsOf(name)
	seen := map[string]bool{name: true}
	for _, d := range direct {
		seen[d] = true
	}

	var cascade []string
	frontier := direct
	for len(frontier) > 0 {
		var next []string
		for _, cur := range frontier {
			for _, d := range e.dependentsOf(cur) {
				if seen[d] {
					continue
				}
				seen[d] = true
				cascade = append(cascade, d)
				next = append(next, d)
			}
		}
		frontier = next
	}
	sort.Strings(cascade)

	counts := map[string]int{name: e.describeCount(name)}
	for _, c := range direct {
		counts[c] = e.describeCount(c)
	}
	for _, c := range cascade {
		counts[c] = e.describeCount(c)
	}

	return &ImpactReport{
		Component:        name,
		DirectDependents: direct,
		CascadeImpact:    cascade,
		MemoryCounts:     counts,
		ImpactScore:      len(direct) + len(cascade),
	}, nil
}

// dependentsOf lists components with a DEPENDS_ON edge pointing at name,
// sorted. Callers hold the lock.
func (e *Engine) dependentsOf(name string) []string {
	var out []string
	for _, edge := range e.in[compKey(name)] {
		if edge.Kind == DependsOn {
			out = append(out, memIDFromKeyPrefix(edge.From, "component:"))
		}
	}
	sort.Strings(out)
	return out
}

func memIDFromKeyPrefix(key, prefix string) string {
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

// describeCount counts inbound DESCRIBES edges. Callers hold the lock.
func (e *Engine) describeCount(name string) int {
	n := 0
	for _, edge := range e.in[compKey(name)] {
		if edge.Kind == Describes {
			n++
		}
	}
	return n
}

// Community is one detected cluster of related memories.
type Community struct {
	Label   string   `json:"label"`
	Members []string `json:"members"`
	Size    int      `json:"size"`
}

// communityEdgeKinds are the relations that pull memories into the same
// cluster. Supersession and conflict do not.
var communityEdgeKinds = map[EdgeKind]bool{
	RelatesTo:  true,
	Extends:    true,
	RespondsTo: true,
}

const labelPropagationRounds = 16

// Communities clusters an owner's memories with sequential label
// propagation. Every node starts labeled with its own ID; each round a node
// adopts the most frequent label among its neighbors, smallest label winning
// ties, with nodes processed in ID order. The whole procedure is
// deterministic: the same graph always yields the same clusters.
func (e *Engine) Communities(_ context.Context, ownerID string) []Community {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []string
	for id, node := range e.memories {
		if node.OwnerID == ownerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	owned := make(map[string]bool, len(ids))
	for _, id := range ids {
		owned[id] = true
	}

	labels := make(map[string]string, len(ids))
	for _, id := range ids {
		labels[id] = id
	}

	for round := 0; round < labelPropagationRounds; round++ {
		changed := false
		for _, id := range ids {
			counts := map[string]int{}
			for _, n := range e.memoryNeighbors(id, communityEdgeKinds) {
				if owned[n.id] {
					counts[labels[n.id]]++
				}
			}
			if len(counts) == 0 {
				continue
			}
			best, bestCount := labels[id], 0
			keys := make([]string, 0, len(counts))
			for l := range counts {
				keys = append(keys, l)
			}
			sort.Strings(keys)
			for _, l := range keys {
				if counts[l] > bestCount {
					best, bestCount = l, counts[l]
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	grouped := map[string][]string{}
	for _, id := range ids {
		grouped[labels[id]] = append(grouped[labels[id]], id)
	}
	out := make([]Community, 0, len(grouped))
	for label, members := range grouped {
		sort.Strings(members)
		out = append(out, Community{Label: label, Members: members, Size: len(members)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// TrustReport is the deterministic trust assessment of one memory.
type TrustReport struct {
	MemoryID  string  `json:"memory_id"`
	Score     float64 `json:"score"`
	Citations int     `json:"citations"`
	Conflicts int     `json:"conflicts"`
	AgeDays   float64 `json:"age_days"`
	Recency   float64 `json:"recency"`
}

// TrustScore computes a score in [0, 1] from graph structure alone:
//
//	citation = citations / (citations + 3)      saturating, citations are
//	                                            inbound RESPONDS_TO/EXTENDS
//	recency  = 0.5 ^ (age_days / 90)            half-life of 90 days
//	conflict = min(1, conflicts / 3)            CONFLICTS_WITH either way
//	score    = clamp(Wc*citation + Wr*recency - Wp*conflict, 0, 1)
//
// with the weights from TrustConfig. Given the same graph and clock the
// result is identical on every call.
func (e *Engine) TrustScore(_ context.Context, id string) (*TrustReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	node, ok := e.memories[id]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Memory %s not found", id))
	}

	citations := 0
	for _, edge := range e.in[memKey(id)] {
		if edge.Kind == RespondsTo || edge.Kind == Extends {
			citations++
		}
	}
	conflicts := 0
	for _, edge := range e.in[memKey(id)] {
		if edge.Kind == ConflictsWith {
			conflicts++
		}
	}
	for _, edge := range e.out[memKey(id)] {
		if edge.Kind == ConflictsWith {
			conflicts++
		}
	}

	ageDays := e.now().UTC().Sub(node.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Pow(0.5, ageDays/90)
	citation := float64(citations) / float64(citations+3)
	conflict := math.Min(1, float64(conflicts)/3)

	score := e.trust.CitationWeight*citation + e.trust.RecencyWeight*recency - e.trust.ConflictPenalty*conflict
	score = math.Max(0, math.Min(1, score))

	return &TrustReport{
		MemoryID:  id,
		Score:     score,
		Citations: citations,
		Conflicts: conflicts,
		AgeDays:   ageDays,
		Recency:   recency,
	}, nil
}

// Conflict is a pair of memories linked by CONFLICTS_WITH.
type Conflict struct {
	MemoryA string `json:"memory_a"`
	MemoryB string `json:"memory_b"`
}

// CentralMemory is a highly connected node.
type CentralMemory struct {
	MemoryID    string `json:"memory_id"`
	Connections int    `json:"connections"`
}

// IntelligenceSummary holds the corpus-level health numbers.
type IntelligenceSummary struct {
	TotalMemories        int     `json:"total_memories"`
	AvgConnections       float64 `json:"avg_connections"`
	IsolatedMemories     int     `json:"isolated_memories"`
	ObsoleteMemories     int     `json:"obsolete_memories"`
	KnowledgeHealthScore float64 `json:"knowledge_health_score"`
}

// IntelligenceInsights holds the structural findings. Clusters maps each
// community label to its member count.
type IntelligenceInsights struct {
	ConflictingKnowledge []Conflict      `json:"conflicting_knowledge"`
	Clusters             map[string]int  `json:"clusters"`
	CentralMemories      []CentralMemory `json:"central_memories"`
}

// IntelligenceReport is the full analysis of one owner's knowledge graph.
type IntelligenceReport struct {
	Summary         IntelligenceSummary  `json:"summary"`
	Insights        IntelligenceInsights `json:"insights"`
	Recommendations []string             `json:"recommendations"`
}

const maxCentralMemories = 10

// Intelligence analyzes an owner's slice of the graph. The health score on a
// 0-10 scale is
//
//	clamp(avg_connections*10 - isolated/total*100 - obsolete/total*50 - conflicts/total*25, 0, 10)
//
// so a well-linked corpus scores high and isolation, staleness, and
// unresolved conflicts pull it down. The computation touches no clock and no
// randomness.
func (e *Engine) Intelligence(ctx context.Context, ownerID string) *IntelligenceReport {
	clusters := map[string]int{}
	for _, c := range e.Communities(ctx, ownerID) {
		clusters[c.Label] = c.Size
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []string
	for id, node := range e.memories {
		if node.OwnerID == ownerID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	total := len(ids)

	report := &IntelligenceReport{Insights: IntelligenceInsights{Clusters: clusters}}
	if total == 0 {
		report.Recommendations = []string{"No memories yet. Start capturing project knowledge to build the graph."}
		return report
	}

	degrees := make(map[string]int, total)
	isolated := 0
	obsolete := 0
	conflictCount := 0
	for _, id := range ids {
		deg := len(e.memoryNeighbors(id, nil))
		degrees[id] = deg
		if deg == 0 {
			isolated++
		}
		if e.isSuperseded(id) {
			obsolete++
		}
	}
	owned := make(map[string]bool, total)
	for _, id := range ids {
		owned[id] = true
	}
	var conflicts []Conflict
	for _, edge := range e.edges {
		if edge.Kind != ConflictsWith {
			continue
		}
		a, b := memIDFromKey(edge.From), memIDFromKey(edge.To)
		if owned[a] && owned[b] {
			conflicts = append(conflicts, Conflict{MemoryA: a, MemoryB: b})
			conflictCount++
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].MemoryA != conflicts[j].MemoryA {
			return conflicts[i].MemoryA < conflicts[j].MemoryA
		}
		return conflicts[i].MemoryB < conflicts[j].MemoryB
	})

	sumDeg := 0
	for _, d := range degrees {
		sumDeg += d
	}
	avg := float64(sumDeg) / float64(total)

	health := avg*10 -
		float64(isolated)/float64(total)*100 -
		float64(obsolete)/float64(total)*50 -
		float64(conflictCount)/float64(total)*25
	health = math.Max(0, math.Min(10, health))

	central := make([]CentralMemory, 0, len(ids))
	for _, id := range ids {
		if degrees[id] > 0 {
			central = append(central, CentralMemory{MemoryID: id, Connections: degrees[id]})
		}
	}
	sort.Slice(central, func(i, j int) bool {
		if central[i].Connections != central[j].Connections {
			return central[i].Connections > central[j].Connections
		}
		return central[i].MemoryID < central[j].MemoryID
	})
	if len(central) > maxCentralMemories {
		central = central[:maxCentralMemories]
	}

	report.Summary = IntelligenceSummary{
		TotalMemories:        total,
		AvgConnections:       avg,
		IsolatedMemories:     isolated,
		ObsoleteMemories:     obsolete,
		KnowledgeHealthScore: health,
	}
	report.Insights.ConflictingKnowledge = conflicts
	report.Insights.CentralMemories = central
	report.Recommendations = recommendations(isolated, obsolete, conflictCount, health)
	return report
}

func recommendations(isolated, obsolete, conflicts int, health float64) []string {
	var out []string
	if isolated > 5 {
		out = append(out, fmt.Sprintf("%d memories have no connections. Link them to related knowledge or components.", isolated))
	}
	if obsolete > 3 {
		out = append(out, fmt.Sprintf("%d memories are superseded. Consider archiving them to reduce noise.", obsolete))
	}
	if conflicts > 0 {
		out = append(out, fmt.Sprintf("%d conflicting memory pairs found. Review and resolve the contradictions.", conflicts))
	}
	if health < 5 {
		out = append(out, "Knowledge health is low. Connect isolated memories and resolve superseded content.")
	}
	if len(out) == 0 {
		out = append(out, "Knowledge graph is healthy. Keep linking new memories as they arrive.")
	}
	return out
}
