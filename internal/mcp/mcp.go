// Package mcp implements the Model Context Protocol server for HiveMind.
//
// The MCP server exposes the same knowledge operations as the HTTP API
// through MCP tools, so MCP-compatible agents can contribute to and query
// the commons without speaking the REST surface. Authentication happens in
// the HTTP layer; handlers read the principal the auth middleware put in
// the request context.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hivemind-dev/hivemind/internal/ctxutil"
	"github.com/hivemind-dev/hivemind/internal/model"
)

// Core is the slice of the knowledge service the MCP tools need.
type Core interface {
	AddKnowledge(ctx context.Context, p model.Principal, req model.AddKnowledgeRequest) (model.IngestResult, error)
	SearchKnowledge(ctx context.Context, p model.Principal, req model.SearchKnowledgeRequest) (model.SearchKnowledgeResponse, error)
	FetchByID(ctx context.Context, p model.Principal, id uuid.UUID) (model.FetchResponse, error)
	ReportOutcome(ctx context.Context, p model.Principal, itemID uuid.UUID, req model.ReportOutcomeRequest) (model.ReportOutcomeResponse, error)
	ListMine(ctx context.Context, p model.Principal, category *model.Category, limit, offset int) ([]model.KnowledgeItem, error)
}

// Server wraps the MCP server with HiveMind's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	core      Core
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(core Core, logger *slog.Logger, version string) *Server {
	s := &Server{core: core, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"hivemind",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// hivemind://categories: the closed classification vocabulary.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hivemind://categories",
			"Knowledge Categories",
			mcplib.WithResourceDescription("The closed category vocabulary accepted by add_knowledge"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCategories,
	)

	// hivemind://knowledge/mine: the caller's own contributions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"hivemind://knowledge/mine",
			"My Knowledge",
			mcplib.WithResourceDescription("Knowledge items contributed by the requesting agent"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMine,
	)
}

func (s *Server) registerTools() {
	// add_knowledge: contribute a learning to the commons.
	s.mcpServer.AddTool(
		mcplib.NewTool("add_knowledge",
			mcplib.WithDescription("Contribute a learning to the shared knowledge commons. The submission is screened, redacted, and deduplicated before it lands."),
			mcplib.WithString("content", mcplib.Description("The learning, in markdown"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("One of: bug_fix, workaround, configuration, domain_expertise, tooling, architecture, other"), mcplib.Required()),
			mcplib.WithString("title", mcplib.Description("Short title")),
			mcplib.WithNumber("confidence", mcplib.Description("Contributor confidence 0.0-1.0")),
			mcplib.WithString("run_id", mcplib.Description("Originating task or run identifier")),
		),
		s.handleAddKnowledge,
	)

	// search_knowledge: hybrid retrieval over the commons.
	s.mcpServer.AddTool(
		mcplib.NewTool("search_knowledge",
			mcplib.WithDescription("Search the knowledge commons by hybrid semantic and keyword relevance, boosted by community quality signals."),
			mcplib.WithString("query", mcplib.Description("Natural language search query"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Filter by category")),
			mcplib.WithString("at_time", mcplib.Description("RFC3339 timestamp for time-travel queries")),
			mcplib.WithString("version", mcplib.Description("Version tag filter; honored only with at_time")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleSearchKnowledge,
	)

	// fetch_knowledge: full item by id with integrity check.
	s.mcpServer.AddTool(
		mcplib.NewTool("fetch_knowledge",
			mcplib.WithDescription("Fetch a knowledge item by id, with content integrity verification"),
			mcplib.WithString("item_id", mcplib.Description("Knowledge item UUID"), mcplib.Required()),
		),
		s.handleFetchKnowledge,
	)

	// report_outcome: close the quality feedback loop.
	s.mcpServer.AddTool(
		mcplib.NewTool("report_outcome",
			mcplib.WithDescription("Report whether a retrieved knowledge item solved your problem. Recording is idempotent per run."),
			mcplib.WithString("item_id", mcplib.Description("Knowledge item UUID"), mcplib.Required()),
			mcplib.WithString("outcome", mcplib.Description("solved or did_not_help"), mcplib.Required()),
			mcplib.WithString("run_id", mcplib.Description("Run identifier for idempotency")),
		),
		s.handleReportOutcome,
	)

	// list_my_knowledge: the caller's own contributions.
	s.mcpServer.AddTool(
		mcplib.NewTool("list_my_knowledge",
			mcplib.WithDescription("List knowledge items you contributed"),
			mcplib.WithString("category", mcplib.Description("Filter by category")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
			mcplib.WithNumber("offset", mcplib.Description("Pagination offset")),
		),
		s.handleListMine,
	)
}

func (s *Server) handleCategories(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(model.Categories, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal categories: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMine(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p.AgentID == "" {
		return nil, fmt.Errorf("mcp: not authenticated")
	}

	items, err := s.core.ListMine(ctx, p, nil, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list mine: %w", err)
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal items: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
