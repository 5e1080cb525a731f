package hivemind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the HiveMind server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the HiveMind knowledge commons API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hivemind: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hivemind: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// AddKnowledge contributes a learning to the commons. The submission runs
// the full ingestion pipeline; rejection surfaces as an *Error with status
// 422 (see IsRejected), while duplicate detection is a successful result.
func (c *Client) AddKnowledge(ctx context.Context, req AddKnowledgeRequest) (*IngestResult, error) {
	var resp IngestResult
	if err := c.post(ctx, "/v1/knowledge", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Search runs hybrid semantic and keyword retrieval over the commons,
// boosted by community quality signals.
func (c *Client) Search(ctx context.Context, query string, filters *SearchFilters) (*SearchResponse, error) {
	body := map[string]any{"query": query}
	if filters != nil {
		body["filters"] = filters
	}
	var resp SearchResponse
	if err := c.post(ctx, "/v1/knowledge/search", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch retrieves a knowledge item by id with integrity verification.
func (c *Client) Fetch(ctx context.Context, itemID uuid.UUID) (*FetchResponse, error) {
	var resp FetchResponse
	if err := c.get(ctx, "/v1/knowledge/"+itemID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportOutcome closes the feedback loop on a retrieved item. Recording is
// idempotent per (item, run).
func (c *Client) ReportOutcome(ctx context.Context, itemID uuid.UUID, outcome string, runID *string) (*OutcomeResponse, error) {
	body := map[string]any{"outcome": outcome}
	if runID != nil {
		body["run_id"] = *runID
	}
	var resp OutcomeResponse
	if err := c.post(ctx, "/v1/knowledge/"+itemID.String()+"/outcome", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListMineOptions are optional filters for ListMine.
type ListMineOptions struct {
	Category string
	Limit    int
	Offset   int
}

// ListMine returns the caller's own contributions, newest first.
func (c *Client) ListMine(ctx context.Context, opts *ListMineOptions) (*List[KnowledgeItem], error) {
	params := url.Values{}
	if opts != nil {
		if opts.Category != "" {
			params.Set("category", opts.Category)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/knowledge/mine"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp List[KnowledgeItem]
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete soft-deletes one of the caller's own items.
func (c *Client) Delete(ctx context.Context, itemID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/knowledge/"+itemID.String(), nil)
}

// Publish toggles an item's commons visibility.
func (c *Client) Publish(ctx context.Context, itemID uuid.UUID, public bool) (*KnowledgeItem, error) {
	body := map[string]any{"public": public}
	var resp KnowledgeItem
	if err := c.post(ctx, "/v1/knowledge/"+itemID.String()+"/publish", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Review queue (requires the approver role)
// ---------------------------------------------------------------------------

// ListPending returns the org's review queue, oldest first.
func (c *Client) ListPending(ctx context.Context, limit, offset int) (*List[PendingContribution], error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	path := "/v1/contributions/pending"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp List[PendingContribution]
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve promotes a pending contribution into the commons.
func (c *Client) Approve(ctx context.Context, contributionID uuid.UUID, note *string) (*KnowledgeItem, error) {
	body := map[string]any{}
	if note != nil {
		body["note"] = *note
	}
	var resp KnowledgeItem
	if err := c.post(ctx, "/v1/contributions/"+contributionID.String()+"/approve", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reject declines a pending contribution.
func (c *Client) Reject(ctx context.Context, contributionID uuid.UUID, note *string) (*PendingContribution, error) {
	body := map[string]any{}
	if note != nil {
		body["note"] = *note
	}
	var resp PendingContribution
	if err := c.post(ctx, "/v1/contributions/"+contributionID.String()+"/reject", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Org administration (requires the admin role)
// ---------------------------------------------------------------------------

// MintKey creates an API key for an agent. The raw secret is returned once
// and never again.
func (c *Client) MintKey(ctx context.Context, agentID, tier string) (*MintedKey, error) {
	body := map[string]any{"agent_id": agentID, "tier": tier}
	var resp MintedKey
	if err := c.post(ctx, "/v1/keys", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListKeys lists the org's API keys, newest first.
func (c *Client) ListKeys(ctx context.Context) ([]APIKey, error) {
	var resp []APIKey
	if err := c.get(ctx, "/v1/keys", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RevokeKey deactivates an API key.
func (c *Client) RevokeKey(ctx context.Context, keyID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/keys/"+keyID.String(), nil)
}

// CreateWebhook registers a delivery target for commons events.
func (c *Client) CreateWebhook(ctx context.Context, url string, eventTypes []string) (*WebhookEndpoint, error) {
	body := map[string]any{"url": url, "event_types": eventTypes}
	var resp WebhookEndpoint
	if err := c.post(ctx, "/v1/webhooks", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListWebhooks lists the org's webhook endpoints.
func (c *Client) ListWebhooks(ctx context.Context) ([]WebhookEndpoint, error) {
	var resp []WebhookEndpoint
	if err := c.get(ctx, "/v1/webhooks", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteWebhook removes a webhook endpoint.
func (c *Client) DeleteWebhook(ctx context.Context, endpointID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/webhooks/"+endpointID.String(), nil)
}

// CreateAutoApproveRule lets contributions in a category skip the review queue.
func (c *Client) CreateAutoApproveRule(ctx context.Context, category string) (*AutoApproveRule, error) {
	body := map[string]any{"category": category}
	var resp AutoApproveRule
	if err := c.post(ctx, "/v1/auto-approve-rules", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAutoApproveRules lists the org's auto-approve rules.
func (c *Client) ListAutoApproveRules(ctx context.Context) ([]AutoApproveRule, error) {
	var resp []AutoApproveRule
	if err := c.get(ctx, "/v1/auto-approve-rules", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteAutoApproveRule removes an auto-approve rule.
func (c *Client) DeleteAutoApproveRule(ctx context.Context, ruleID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/auto-approve-rules/"+ruleID.String(), nil)
}

// AddPolicy grants an authorization tuple.
func (c *Client) AddPolicy(ctx context.Context, p PolicyRequest) error {
	return c.post(ctx, "/v1/policies", p, nil)
}

// RemovePolicy revokes an authorization tuple.
func (c *Client) RemovePolicy(ctx context.Context, p PolicyRequest) error {
	return c.deleteWithBody(ctx, "/v1/policies", p)
}

// AssignRole assigns a named role to a subject.
func (c *Client) AssignRole(ctx context.Context, r RoleRequest) error {
	return c.post(ctx, "/v1/roles", r, nil)
}

// UnassignRole removes a named role from a subject.
func (c *Client) UnassignRole(ctx context.Context, r RoleRequest) error {
	return c.deleteWithBody(ctx, "/v1/roles", r)
}

// Stats returns org-level counters.
func (c *Client) Stats(ctx context.Context) (*OrgStats, error) {
	var resp OrgStats
	if err := c.get(ctx, "/v1/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hivemind: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("hivemind: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hivemind: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hivemind: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) deleteWithBody(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("hivemind: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("hivemind: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, nil)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hivemind: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hivemind: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hivemind: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hivemind: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("hivemind: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
