// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server mounts the MCP transport, and mcp needs to read the principal
// that server's auth middleware populates. Both packages import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/hivemind-dev/hivemind/internal/model"
)

type contextKey string

const keyPrincipal contextKey = "principal"

// WithPrincipal returns a new context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFromContext extracts the authenticated principal from the
// context. The zero value means the request was not authenticated.
func PrincipalFromContext(ctx context.Context) model.Principal {
	if v, ok := ctx.Value(keyPrincipal).(model.Principal); ok {
		return v
	}
	return model.Principal{}
}
