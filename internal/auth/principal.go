package auth

import (
	"context"
	"errors"
)

// ErrNotAuthorized is returned when the calling principal is not the one
// an operation requires.
var ErrNotAuthorized = errors.New("call not authorized by required principal")

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}

// ContextAuthorizer requires that the request context was authenticated as
// exactly the named principal.
type ContextAuthorizer struct{}

// Require returns ErrNoAPIKey when the call is unauthenticated and
// ErrNotAuthorized when it was authenticated as someone else.
func (ContextAuthorizer) Require(ctx context.Context, principal string) error {
	got, ok := PrincipalFrom(ctx)
	if !ok {
		return ErrNoAPIKey
	}
	if got != principal {
		return ErrNotAuthorized
	}
	return nil
}
