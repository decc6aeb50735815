package identity

import "context"

// Principal is the authenticated caller attached to a request by the
// auth middleware.
type Principal struct {
	UserID  string
	TokenID string
}

type principalKey struct{}

// WithPrincipal attaches p to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal the auth middleware attached, if
// any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
