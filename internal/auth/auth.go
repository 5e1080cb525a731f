// Package auth resolves presented credentials to an authenticated Principal.
//
// Two credential forms exist: bearer JWTs signed with Ed25519 (EdDSA), and
// API keys carrying the literal "hm_" prefix, looked up by SHA-256 hash.
// Keys can be loaded from PEM files or auto-generated for development.
package auth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// ErrInvalidCredentials is returned for any missing, malformed, expired, or
// revoked credential. Deliberately indistinct: failure modes are logged, not
// surfaced.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Claims extends jwt.RegisteredClaims with HiveMind-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string    `json:"agent_id"`
	OrgID   uuid.UUID `json:"org_id"`
	Roles   []string  `json:"roles,omitempty"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Catch mismatched key deployments before the first token is minted.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given agent identity.
func (m *JWTManager) IssueToken(orgID uuid.UUID, agentID string, roles []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    "hivemind",
			Audience:  jwt.ClaimStrings{"hivemind"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		AgentID: agentID,
		OrgID:   orgID,
		Roles:   roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyToken validates a signed JWT and returns its claims.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return m.publicKey, nil
	},
		jwt.WithIssuer("hivemind"),
		jwt.WithAudience("hivemind"),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	// A token without a tenant binding must never yield a zero-org principal.
	if claims.OrgID == uuid.Nil || claims.AgentID == "" {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

// Store is the credential lookup surface the Authenticator needs.
// *storage.DB satisfies it.
type Store interface {
	ValidateAndMeterKey(ctx context.Context, keyHash string) (model.APIKey, error)
	GetAgent(ctx context.Context, orgID uuid.UUID, agentID string) (model.Agent, error)
}

// Authenticator resolves credentials to principals, metering API keys as a
// side effect of validation.
type Authenticator struct {
	jwt    *JWTManager
	db     Store
	logger *slog.Logger
}

// NewAuthenticator wires the credential paths together.
func NewAuthenticator(jwtManager *JWTManager, db Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{jwt: jwtManager, db: db, logger: logger}
}

// Authenticate resolves a presented credential to a Principal.
//
// API keys ("hm_" prefix) are validated by SHA-256 lookup; the billing
// window reset, request_count increment, and last_used_at stamp share the
// lookup transaction. Everything else is treated as a bearer JWT.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (model.Principal, error) {
	if credential == "" {
		return model.Principal{}, ErrInvalidCredentials
	}

	if model.IsAPIKey(credential) {
		key, err := a.db.ValidateAndMeterKey(ctx, model.HashKey(credential))
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				a.logger.Warn("auth: api key validation failed", "error", err)
			}
			return model.Principal{}, ErrInvalidCredentials
		}
		return model.Principal{
			OrgID:   key.OrgID,
			AgentID: key.AgentID,
			Tier:    key.Tier,
		}, nil
	}

	claims, err := a.jwt.VerifyToken(credential)
	if err != nil {
		return model.Principal{}, ErrInvalidCredentials
	}
	return model.Principal{
		OrgID:   claims.OrgID,
		AgentID: claims.AgentID,
		Roles:   claims.Roles,
	}, nil
}

// AuthenticatePassword resolves an operator console login to a Principal.
// Agents without a stored password hash cannot log in this way; the dummy
// verify keeps the failure path's timing indistinguishable from a real
// hash check.
func (a *Authenticator) AuthenticatePassword(ctx context.Context, orgID uuid.UUID, agentID, password string) (model.Principal, error) {
	if orgID == uuid.Nil || agentID == "" || password == "" {
		DummyVerify()
		return model.Principal{}, ErrInvalidCredentials
	}

	agent, err := a.db.GetAgent(ctx, orgID, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("auth: operator lookup failed", "error", err)
		}
		DummyVerify()
		return model.Principal{}, ErrInvalidCredentials
	}
	if agent.PasswordHash == nil {
		DummyVerify()
		return model.Principal{}, ErrInvalidCredentials
	}

	ok, err := VerifyPassword(password, *agent.PasswordHash)
	if err != nil {
		a.logger.Warn("auth: stored password hash is malformed", "agent_id", agentID, "error", err)
		return model.Principal{}, ErrInvalidCredentials
	}
	if !ok {
		return model.Principal{}, ErrInvalidCredentials
	}

	return model.Principal{
		OrgID:   orgID,
		AgentID: agentID,
		Roles:   []string{"operator"},
	}, nil
}
