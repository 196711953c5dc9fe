package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"codemem/pkg/types"
)

func (g *Gateway) registerTools() {
	g.mcp.AddTool(mcp.NewTool("add_coding_preference",
		mcp.WithDescription("Store a coding preference, pattern, or implementation detail. Large text is chunked automatically."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The content to store: code, context, and explanation")),
	), g.handleAddPreference)

	g.mcp.AddTool(mcp.NewTool("search_coding_preferences",
		mcp.WithDescription("Semantic search over stored preferences in the current project scope."),
		mcp.WithString("query", mcp.Required(), mcp.Description("What to look for")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10)")),
	), g.handleSearchPreferences)

	g.mcp.AddTool(mcp.NewTool("get_all_coding_preferences",
		mcp.WithDescription("List every preference stored for the current project scope."),
	), g.handleGetAllPreferences)

	g.mcp.AddTool(mcp.NewTool("delete_memory",
		mcp.WithDescription("Delete one memory by ID."),
		mcp.WithString("memory_id", mcp.Required(), mcp.Description("The memory to delete")),
	), g.handleDeleteMemory)

	g.mcp.AddTool(mcp.NewTool("get_memory_history",
		mcp.WithDescription("Show the add/update/delete trail of a memory."),
		mcp.WithString("memory_id", mcp.Required(), mcp.Description("The memory to inspect")),
	), g.handleMemoryHistory)

	g.mcp.AddTool(mcp.NewTool("link_memories",
		mcp.WithDescription("Create a typed relation between two memories (RELATES_TO, DEPENDS_ON, SUPERSEDES, RESPONDS_TO, EXTENDS, CONFLICTS_WITH)."),
		mcp.WithString("from_id", mcp.Required(), mcp.Description("Source memory ID")),
		mcp.WithString("to_id", mcp.Required(), mcp.Description("Target memory ID")),
		mcp.WithString("relation", mcp.Required(), mcp.Description("Relation kind")),
	), g.handleLinkMemories)

	g.mcp.AddTool(mcp.NewTool("get_related_memories",
		mcp.WithDescription("Traverse the knowledge graph around a memory."),
		mcp.WithString("memory_id", mcp.Required(), mcp.Description("Origin memory ID")),
		mcp.WithNumber("depth", mcp.Description("Traversal depth (default 2)")),
	), g.handleRelatedMemories)

	g.mcp.AddTool(mcp.NewTool("analyze_memory_intelligence",
		mcp.WithDescription("Full graph analysis: communities, trust scores, conflicts, central memories, health."),
	), g.handleIntelligence)

	g.mcp.AddTool(mcp.NewTool("create_component",
		mcp.WithDescription("Register an architecture component node."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Component name")),
		mcp.WithString("kind", mcp.Description("Component kind, e.g. service, library, database")),
	), g.handleCreateComponent)

	g.mcp.AddTool(mcp.NewTool("link_component_dependency",
		mcp.WithDescription("Record that one component depends on another."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Depending component")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Dependency component")),
	), g.handleComponentDependency)

	g.mcp.AddTool(mcp.NewTool("analyze_component_impact",
		mcp.WithDescription("Estimate the blast radius of changing a component."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Component to analyze")),
	), g.handleComponentImpact)

	g.mcp.AddTool(mcp.NewTool("create_decision",
		mcp.WithDescription("Record an architecture decision with pros, cons, and alternatives."),
		mcp.WithString("decision", mcp.Required(), mcp.Description("The decision made")),
		mcp.WithString("pros", mcp.Description("Comma-separated advantages")),
		mcp.WithString("cons", mcp.Description("Comma-separated drawbacks")),
		mcp.WithString("alternatives", mcp.Description("Comma-separated alternatives considered")),
		mcp.WithString("memory_id", mcp.Description("Memory that justifies the decision")),
	), g.handleCreateDecision)

	g.mcp.AddTool(mcp.NewTool("get_decision_rationale",
		mcp.WithDescription("Fetch a decision with the memories that justify it."),
		mcp.WithString("decision_id", mcp.Required(), mcp.Description("Decision to look up")),
	), g.handleDecisionRationale)
}

// handleAddPreference chunks oversized text and dispatches the chunks
// sequentially under one run ID. On a chunk failure it reports which chunks
// already made it in.
func (g *Gateway) handleAddPreference(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(text) == "" {
		return mcp.NewToolResultError("text must not be empty"), nil
	}

	chunks := g.chunker.Split(text)
	runID := uuid.New().String()
	var stored []string

	for _, ch := range chunks {
		addReq := &types.AddRequest{
			Messages: []types.Message{{Role: "user", Content: ch.Content}},
			UserID:   g.projectID,
			RunID:    runID,
		}
		if ch.Total > 1 {
			addReq.Metadata = map[string]interface{}{
				"chunk_index":  ch.Index,
				"total_chunks": ch.Total,
				"chunk_size":   ch.Size,
				"has_overlap":  ch.HasOverlap,
				"run_id":       runID,
			}
		}
		res, err := g.client.AddMemories(ctx, addReq)
		if err != nil {
			g.logger.ErrorContext(ctx, "chunk dispatch failed",
				"run_id", runID,
				"chunk", ch.Index,
				"total_chunks", ch.Total,
				"error", err.Error())
			return mcp.NewToolResultError(fmt.Sprintf(
				"chunk %d/%d failed: %s. Chunks stored before the failure: %s",
				ch.Index+1, ch.Total, errDetail(err), idsOrNone(stored))), nil
		}
		for _, r := range res.Results {
			if r.ID != "" {
				stored = append(stored, r.ID)
			}
		}
	}

	return toolJSON(map[string]interface{}{
		"message":    "Preference stored",
		"run_id":     runID,
		"chunks":     len(chunks),
		"memory_ids": stored,
	})
}

func (g *Gateway) handleSearchPreferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := int(req.GetFloat("limit", 10))
	res, err := g.client.Search(ctx, &types.SearchRequest{
		Query:  query,
		UserID: g.projectID,
		Limit:  limit,
	})
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return toolJSON(res)
}

func (g *Gateway) handleGetAllPreferences(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	memories, err := g.client.GetAll(ctx, g.projectID)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	if memories == nil {
		memories = []types.Memory{}
	}
	return toolJSON(map[string]interface{}{"memories": memories, "count": len(memories)})
}

func (g *Gateway) handleDeleteMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := g.client.DeleteMemory(ctx, id, g.projectID); err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Memory %s deleted", id)), nil
}

func (g *Gateway) handleMemoryHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	history, err := g.client.GetHistory(ctx, id, g.projectID)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return toolJSON(map[string]interface{}{"history": history})
}

func (g *Gateway) handleLinkMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fromID, err := req.RequireString("from_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toID, err := req.RequireString("to_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	relation, err := req.RequireString("relation")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := g.client.LinkMemories(ctx, fromID, toID, relation, g.projectID); err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Linked %s -[%s]-> %s", fromID, strings.ToUpper(relation), toID)), nil
}

func (g *Gateway) handleRelatedMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("memory_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	depth := int(req.GetFloat("depth", 2))
	related, err := g.client.GetRelated(ctx, id, g.projectID, depth)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return rawJSON(related)
}

func (g *Gateway) handleIntelligence(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := g.client.Intelligence(ctx, g.projectID)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return rawJSON(report)
}

func (g *Gateway) handleCreateComponent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	comp, err := g.client.CreateComponent(ctx, name, req.GetString("kind", ""))
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return rawJSON(comp)
}

func (g *Gateway) handleComponentDependency(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := g.client.LinkComponentDependency(ctx, from, to); err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s now depends on %s", from, to)), nil
}

func (g *Gateway) handleComponentImpact(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := g.client.ComponentImpact(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return rawJSON(report)
}

func (g *Gateway) handleCreateDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body := map[string]interface{}{
		"decision":     decision,
		"pros":         splitList(req.GetString("pros", "")),
		"cons":         splitList(req.GetString("cons", "")),
		"alternatives": splitList(req.GetString("alternatives", "")),
		"user_id":      g.projectID,
	}
	if memoryID := req.GetString("memory_id", ""); memoryID != "" {
		body["memory_id"] = memoryID
	}
	dec, err := g.client.CreateDecision(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return rawJSON(dec)
}

func (g *Gateway) handleDecisionRationale(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("decision_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rationale, err := g.client.DecisionRationale(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(errDetail(err)), nil
	}
	return rawJSON(rationale)
}

func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to encode result"), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func rawJSON(raw json.RawMessage) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(string(raw)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func idsOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
