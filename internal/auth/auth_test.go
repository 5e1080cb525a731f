package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/storage"
	"github.com/hivemind-dev/hivemind/internal/testutil"
)

func newTestManager(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndVerifyToken(t *testing.T) {
	m := newTestManager(t)
	orgID := uuid.New()

	token, exp, err := m.IssueToken(orgID, "agent-1", []string{"admin"})
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
	assert.Equal(t, orgID, claims.OrgID)
	assert.Equal(t, []string{"admin"}, claims.Roles)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyTokenRejectsForeignKey(t *testing.T) {
	m1 := newTestManager(t)
	m2 := newTestManager(t)

	token, _, err := m1.IssueToken(uuid.New(), "agent-1", nil)
	require.NoError(t, err)

	_, err = m2.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyTokenRejectsMissingTenantClaims(t *testing.T) {
	m := newTestManager(t)
	now := time.Now().UTC()

	sign := func(agentID string, orgID uuid.UUID) string {
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   agentID,
				Issuer:    "hivemind",
				Audience:  jwt.ClaimStrings{"hivemind"},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
				ID:        uuid.New().String(),
			},
			AgentID: agentID,
			OrgID:   orgID,
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
		require.NoError(t, err)
		return signed
	}

	// Structurally valid signature, but no org binding.
	_, err := m.VerifyToken(sign("agent-1", uuid.Nil))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// No agent identity.
	_, err = m.VerifyToken(sign("", uuid.New()))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Both present still verifies.
	claims, err := m.VerifyToken(sign("agent-1", uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
}

func TestGenerateRawKeyFormat(t *testing.T) {
	raw, prefix, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.True(t, model.IsAPIKey(raw))
	assert.Len(t, raw, 51) // "hm_" + 48 hex chars
	assert.Equal(t, raw[:8], prefix)
}

func TestHashKeyStable(t *testing.T) {
	raw, _, err := model.GenerateRawKey()
	require.NoError(t, err)
	assert.Equal(t, model.HashKey(raw), model.HashKey(raw))
	assert.Len(t, model.HashKey(raw), 64)
}

type fakeStore struct {
	keys   map[string]model.APIKey
	agents map[string]model.Agent
}

func (f *fakeStore) ValidateAndMeterKey(_ context.Context, keyHash string) (model.APIKey, error) {
	if k, ok := f.keys[keyHash]; ok {
		return k, nil
	}
	return model.APIKey{}, storage.ErrNotFound
}

func (f *fakeStore) GetAgent(_ context.Context, orgID uuid.UUID, agentID string) (model.Agent, error) {
	if a, ok := f.agents[orgID.String()+"/"+agentID]; ok {
		return a, nil
	}
	return model.Agent{}, storage.ErrNotFound
}

func TestAuthenticatePassword(t *testing.T) {
	orgID := uuid.New()
	hash, err := HashPassword("swordfish")
	require.NoError(t, err)

	store := &fakeStore{agents: map[string]model.Agent{
		orgID.String() + "/operator": {ID: "operator", OrgID: orgID, PasswordHash: &hash},
		orgID.String() + "/agent-1":  {ID: "agent-1", OrgID: orgID}, // no console password
	}}
	a := NewAuthenticator(newTestManager(t), store, testutil.TestLogger())
	ctx := context.Background()

	p, err := a.AuthenticatePassword(ctx, orgID, "operator", "swordfish")
	require.NoError(t, err)
	assert.Equal(t, orgID, p.OrgID)
	assert.Equal(t, "operator", p.AgentID)
	assert.True(t, p.HasRole("operator"))

	_, err = a.AuthenticatePassword(ctx, orgID, "operator", "not-swordfish")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.AuthenticatePassword(ctx, orgID, "nobody", "swordfish")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// API-key-only agents have no password hash and cannot use this grant.
	_, err = a.AuthenticatePassword(ctx, orgID, "agent-1", "swordfish")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.AuthenticatePassword(ctx, uuid.Nil, "operator", "swordfish")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.AuthenticatePassword(ctx, orgID, "operator", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	encoded, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	ok, err := VerifyPassword("correct horse battery staple", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong password", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}
