package auth

import "context"

// callerKey indexes the caller attached by the transport layer.
type callerKey struct{}

// caller is what a transport knows about the request's principal. Each With call
// stores a fresh copy, so a derived context never changes what its parent sees.
type caller struct {
	result     AuthorizeResult
	authorized bool
	token      string
}

func callerFrom(ctx context.Context) caller {
	if ctx == nil {
		return caller{}
	}
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

// ContextWithAuthorization records the verified result for downstream handlers. A token
// attached earlier is kept.
func ContextWithAuthorization(ctx context.Context, res AuthorizeResult) context.Context {
	c := callerFrom(ctx)
	c.result, c.authorized = res, true
	return context.WithValue(ctx, callerKey{}, c)
}

// AuthorizationFromContext returns the result set by ContextWithAuthorization.
func AuthorizationFromContext(ctx context.Context) (AuthorizeResult, bool) {
	c := callerFrom(ctx)
	return c.result, c.authorized
}

// ContextWithToken keeps the raw bearer token so calls to other services can forward it.
// An empty token leaves ctx unchanged.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	c := callerFrom(ctx)
	c.token = token
	return context.WithValue(ctx, callerKey{}, c)
}

// TokenFromContext returns the token set by ContextWithToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	c := callerFrom(ctx)
	return c.token, c.token != ""
}
