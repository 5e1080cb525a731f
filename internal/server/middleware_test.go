package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/auth"
	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/testutil"
)

func newTestAuthn(t *testing.T) (*auth.JWTManager, *auth.Authenticator) {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return jwtMgr, auth.NewAuthenticator(jwtMgr, nil, testutil.TestLogger())
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/stats", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req.Header.Set("X-Request-ID", "client-chosen")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen", seen, "client-supplied request id is kept")
}

func TestAuthMiddlewareRejectsBadCredentials(t *testing.T) {
	_, authn := newTestAuthn(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(authn, inner)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc123",
		"garbage token":  "Bearer not-a-jwt",
	}
	for name, header := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/knowledge", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)

		var body model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), name)
		assert.Equal(t, model.ErrCodeUnauthorized, body.Error.Code, name)
	}
}

func TestAuthMiddlewarePopulatesPrincipal(t *testing.T) {
	jwtMgr, authn := newTestAuthn(t)
	orgID := uuid.New()
	token, _, err := jwtMgr.IssueToken(orgID, "agent-7", nil)
	require.NoError(t, err)

	var got model.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(authn, inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/knowledge", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orgID, got.OrgID)
	assert.Equal(t, "agent-7", got.AgentID)
}

func TestAuthMiddlewareSkipsOpenPaths(t *testing.T) {
	_, authn := newTestAuthn(t)
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(authn, inner)

	for _, path := range []string{"/health", "/auth/token"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(testutil.TestLogger(), inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
}

func TestDecodeJSONBoundsAndStrictness(t *testing.T) {
	type payload struct {
		Content string `json:"content"`
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/knowledge", strings.NewReader(`{"content":"ok"}`))
	var p payload
	require.NoError(t, decodeJSON(rec, req, &p, 1024))
	assert.Equal(t, "ok", p.Content)

	req = httptest.NewRequest("POST", "/v1/knowledge", strings.NewReader(`{"content":"ok","nope":1}`))
	assert.Error(t, decodeJSON(rec, req, &p, 1024), "unknown fields are rejected")

	big := `{"content":"` + strings.Repeat("x", 100) + `"}`
	req = httptest.NewRequest("POST", "/v1/knowledge", strings.NewReader(big))
	err := decodeJSON(rec, req, &p, 16)
	require.Error(t, err)

	rec = httptest.NewRecorder()
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/stats", nil)
	req = req.WithContext(context.WithValue(req.Context(), contextKeyRequestID, "req-123"))

	writeJSON(rec, req, http.StatusOK, map[string]string{"hello": "world"})

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body model.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "req-123", body.Meta.RequestID)
	assert.False(t, body.Meta.Timestamp.IsZero())
}
