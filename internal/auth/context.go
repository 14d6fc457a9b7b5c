package auth

import "context"

type claimsContextKey struct{}
type tokenContextKey struct{}
type deviceContextKey struct{}

// ContextWithClaims attaches verified access-token claims to the context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts verified claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// AccountIDFromContext returns the authenticated subject, if any.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// ContextWithDevice records the calling client's address and user agent.
func ContextWithDevice(ctx context.Context, d DeviceInfo) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, d)
}

// DeviceFromContext returns the device info, or the zero value.
func DeviceFromContext(ctx context.Context) DeviceInfo {
	if ctx == nil {
		return DeviceInfo{}
	}
	d, _ := ctx.Value(deviceContextKey{}).(DeviceInfo)
	return d
}
