package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "https cloud", url: "https://xyz.cloud.qdrant.io:6333", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
		{name: "http localhost rest port", url: "http://localhost:6333", wantHost: "localhost", wantPort: 6334},
		{name: "explicit grpc port", url: "http://localhost:6334", wantHost: "localhost", wantPort: 6334},
		{name: "custom port kept", url: "https://qdrant.internal:7443", wantHost: "qdrant.internal", wantPort: 7443, wantTLS: true},
		{name: "no port defaults to grpc", url: "http://qdrant", wantHost: "qdrant", wantPort: 6334},
		{name: "garbage", url: "://", wantErr: true},
		{name: "empty", url: "", wantErr: true},
		{name: "bad port", url: "http://host:notaport", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, port, useTLS, err := parseURL(tc.url)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantHost, host)
			assert.Equal(t, tc.wantPort, port)
			assert.Equal(t, tc.wantTLS, useTLS)
		})
	}
}

func TestPointPayload(t *testing.T) {
	orgID := uuid.New()
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	p := Point{
		ID:            uuid.New(),
		OrgID:         orgID,
		Category:      "bug_fix",
		IsPublic:      true,
		Confidence:    0.8,
		QualityScore:  0.5,
		ContributedAt: at,
	}

	payload := pointPayload(p)
	assert.Equal(t, orgID.String(), payload["org_id"])
	assert.Equal(t, "bug_fix", payload["category"])
	assert.Equal(t, true, payload["is_public"])
	assert.Equal(t, 0.8, payload["confidence"])
	assert.Equal(t, 0.5, payload["quality_score"])
	assert.Equal(t, float64(at.Unix()), payload["contributed_unix"])
}
