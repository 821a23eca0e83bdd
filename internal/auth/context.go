// ABOUTME: Authenticated identity carried through connection handling
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity is the authenticated client behind a websocket session.
type Identity struct {
	Name   string // display name; may be shared by several connections
	Scheme Scheme // how the credential was presented
	Shared bool   // authenticated with the global shared secret rather than a stored credential
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}
