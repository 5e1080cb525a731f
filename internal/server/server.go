package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hivemind-dev/hivemind/internal/auth"
	"github.com/hivemind-dev/hivemind/internal/search"
	"github.com/hivemind-dev/hivemind/internal/service/knowledge"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// Server is the HiveMind HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Index, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	DB            *storage.DB
	JWTMgr        *auth.JWTManager
	Authenticator *auth.Authenticator
	KnowledgeSvc  *knowledge.Service
	Logger        *slog.Logger

	// Optional dependencies (nil = disabled).
	Index     search.Index
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured. Per-operation
// rate limits and authorization live in the core service; the HTTP layer
// only authenticates and adapts.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Authenticator:       cfg.Authenticator,
		KnowledgeSvc:        cfg.KnowledgeSvc,
		Index:               cfg.Index,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Token exchange (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Knowledge lifecycle.
	mux.HandleFunc("POST /v1/knowledge", h.HandleAddKnowledge)
	mux.HandleFunc("POST /v1/knowledge/search", h.HandleSearchKnowledge)
	mux.HandleFunc("GET /v1/knowledge/mine", h.HandleListMine)
	mux.HandleFunc("GET /v1/knowledge/{id}", h.HandleFetchKnowledge)
	mux.HandleFunc("DELETE /v1/knowledge/{id}", h.HandleDeleteKnowledge)
	mux.HandleFunc("POST /v1/knowledge/{id}/publish", h.HandlePublishKnowledge)
	mux.HandleFunc("POST /v1/knowledge/{id}/outcome", h.HandleReportOutcome)

	// Approval queue (approver-gated in the service).
	mux.HandleFunc("GET /v1/contributions/pending", h.HandleListPending)
	mux.HandleFunc("POST /v1/contributions/{id}/approve", h.HandleApproveContribution)
	mux.HandleFunc("POST /v1/contributions/{id}/reject", h.HandleRejectContribution)

	// Admin surface (admin-gated in the service).
	mux.HandleFunc("POST /v1/keys", h.HandleMintKey)
	mux.HandleFunc("GET /v1/keys", h.HandleListKeys)
	mux.HandleFunc("DELETE /v1/keys/{id}", h.HandleRevokeKey)
	mux.HandleFunc("POST /v1/webhooks", h.HandleCreateWebhook)
	mux.HandleFunc("GET /v1/webhooks", h.HandleListWebhooks)
	mux.HandleFunc("DELETE /v1/webhooks/{id}", h.HandleDeleteWebhook)
	mux.HandleFunc("POST /v1/auto-approve-rules", h.HandleCreateAutoApproveRule)
	mux.HandleFunc("GET /v1/auto-approve-rules", h.HandleListAutoApproveRules)
	mux.HandleFunc("DELETE /v1/auto-approve-rules/{id}", h.HandleDeleteAutoApproveRule)
	mux.HandleFunc("POST /v1/policies", h.HandleAddPolicy)
	mux.HandleFunc("DELETE /v1/policies", h.HandleRemovePolicy)
	mux.HandleFunc("POST /v1/roles", h.HandleAssignRole)
	mux.HandleFunc("DELETE /v1/roles", h.HandleUnassignRole)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)

	// MCP StreamableHTTP transport (auth required via the middleware chain).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Authenticator, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
