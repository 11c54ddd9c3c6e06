package clientip

import "context"

type ctxKey struct{}

// SetIPToContext returns a context carrying the resolved client IP.
func SetIPToContext(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

// GetIPFromContext returns the client IP stored by Middleware, or "".
func GetIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}
