package credentials

import "context"

type bearerKey struct{}

// WithBearer attaches a resolved bearer token to the context. The gate
// stores it here; the forwarding proxy reads it back when it rewrites
// the upstream Authorization header.
func WithBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

// BearerFrom returns the bearer the gate resolved for this request.
func BearerFrom(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(bearerKey{}).(string)
	return tok, ok && tok != ""
}
