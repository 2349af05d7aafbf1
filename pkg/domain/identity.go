package domain

import "context"

// Identity is what the identity provider knows about the caller of a request.
type Identity struct {
	SubjectID       string
	IsAuthenticated bool
}

// Anonymous is the identity of a caller that presented no usable credentials.
var Anonymous = Identity{}

// IdentityProvider verifies a presented bearer token.
//
// Implementations return an unauthenticated identity, not an error, for tokens
// that fail verification; errors are reserved for provider malfunctions.
type IdentityProvider interface {
	Authenticate(ctx context.Context, bearer string) (Identity, error)
}

type identityContextKey struct{}

// WithIdentity stores the caller identity on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the caller identity, or Anonymous when none was set.
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityContextKey{}).(Identity); ok {
		return id
	}
	return Anonymous
}
