package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/hivemind-dev/hivemind/internal/ctxutil"
	"github.com/hivemind-dev/hivemind/internal/model"
)

func (s *Server) handleAddKnowledge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p.AgentID == "" {
		return errorResult("not authenticated"), nil
	}

	content := request.GetString("content", "")
	category := request.GetString("category", "")
	if content == "" || category == "" {
		return errorResult("content and category are required"), nil
	}

	req := model.AddKnowledgeRequest{
		Content:  content,
		Category: category,
	}
	if title := request.GetString("title", ""); title != "" {
		req.Title = &title
	}
	if conf := request.GetFloat("confidence", 0); conf > 0 {
		req.Confidence = &conf
	}
	if runID := request.GetString("run_id", ""); runID != "" {
		req.RunID = &runID
	}

	result, err := s.core.AddKnowledge(ctx, p, req)
	if err != nil {
		// Pipeline rejections arrive as errors but carry a result the agent
		// should see.
		if result.Status == model.IngestRejected {
			return jsonResult(result), nil
		}
		return errorResult(fmt.Sprintf("add_knowledge failed: %v", err)), nil
	}
	return jsonResult(result), nil
}

func (s *Server) handleSearchKnowledge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p.AgentID == "" {
		return errorResult("not authenticated"), nil
	}

	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	req := model.SearchKnowledgeRequest{Query: query}
	if raw := request.GetString("category", ""); raw != "" {
		if !model.ValidCategory(raw) {
			return errorResult("unknown category: " + raw), nil
		}
		c := model.Category(raw)
		req.Filters.Category = &c
	}
	if raw := request.GetString("at_time", ""); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResult("invalid at_time: expected RFC3339"), nil
		}
		req.Filters.AtTime = &at
	}
	if v := request.GetString("version", ""); v != "" {
		req.Filters.Version = &v
	}
	req.Filters.Limit = request.GetInt("limit", 0)

	resp, err := s.core.SearchKnowledge(ctx, p, req)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleFetchKnowledge(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p.AgentID == "" {
		return errorResult("not authenticated"), nil
	}

	id, err := uuid.Parse(request.GetString("item_id", ""))
	if err != nil {
		return errorResult("item_id must be a UUID"), nil
	}

	resp, err := s.core.FetchByID(ctx, p, id)
	if err != nil {
		return errorResult(fmt.Sprintf("fetch failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleReportOutcome(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p.AgentID == "" {
		return errorResult("not authenticated"), nil
	}

	id, err := uuid.Parse(request.GetString("item_id", ""))
	if err != nil {
		return errorResult("item_id must be a UUID"), nil
	}

	req := model.ReportOutcomeRequest{
		Outcome: model.Outcome(request.GetString("outcome", "")),
	}
	if runID := request.GetString("run_id", ""); runID != "" {
		req.RunID = &runID
	}

	resp, err := s.core.ReportOutcome(ctx, p, id, req)
	if err != nil {
		return errorResult(fmt.Sprintf("report_outcome failed: %v", err)), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleListMine(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p.AgentID == "" {
		return errorResult("not authenticated"), nil
	}

	var category *model.Category
	if raw := request.GetString("category", ""); raw != "" {
		if !model.ValidCategory(raw) {
			return errorResult("unknown category: " + raw), nil
		}
		c := model.Category(raw)
		category = &c
	}
	limit := request.GetInt("limit", 20)
	offset := request.GetInt("offset", 0)

	items, err := s.core.ListMine(ctx, p, category, limit, offset)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"items": items, "total": len(items)}), nil
}
