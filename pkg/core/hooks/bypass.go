package hooks

import "context"

// The layer's internals perform operations that are themselves hooked: the
// remote call client opens a socket to the proxy, the resolver reads
// resolv.conf. Those calls must reach the original implementation, never
// re-enter the dispatcher. The marker travels on the context so the bypass
// is explicit at every call site instead of hidden in call-stack tricks.

type bypassKey struct{}

// WithBypass marks ctx so the dispatcher routes every hooked call made
// under it straight to the original implementation.
func WithBypass(ctx context.Context) context.Context {
	if Bypassed(ctx) {
		return ctx
	}
	return context.WithValue(ctx, bypassKey{}, true)
}

// Bypassed reports whether ctx carries the bypass marker.
func Bypassed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}
