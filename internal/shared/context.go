package shared

import "context"

type principalContextKey struct{}

// ContextWithPrincipal stores the calling principal in context.
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// PrincipalFromContext extracts the calling principal from context.
func PrincipalFromContext(ctx context.Context) string {
	principal, _ := ctx.Value(principalContextKey{}).(string)
	return principal
}
