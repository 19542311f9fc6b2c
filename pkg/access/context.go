package access

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type for this package's context keys,
// preventing collisions with keys from other packages.
type contextKey int

const (
	// payloadKey stores the verified assertion in the request context.
	payloadKey contextKey = iota
)

// ContextWithAssertion returns a new context carrying the verified
// assertion. Called by [Middleware] after successful verification.
func ContextWithAssertion(ctx context.Context, a *Assertion) context.Context {
	return context.WithValue(ctx, payloadKey, a)
}

// AssertionFromContext retrieves the verified assertion from the context.
// Returns nil and false when no assertion has been set.
func AssertionFromContext(ctx context.Context) (*Assertion, bool) {
	a, ok := ctx.Value(payloadKey).(*Assertion)
	return a, ok
}

// MustAssertionFromContext retrieves the verified assertion from the
// context, panicking when absent. Use only behind [Middleware], where an
// assertion is guaranteed.
func MustAssertionFromContext(ctx context.Context) *Assertion {
	a, ok := AssertionFromContext(ctx)
	if !ok {
		panic("access: no assertion in context; ensure the access middleware is configured")
	}
	return a
}

// PayloadFromContext is a convenience accessor for the verified payload.
// Returns nil and false when no assertion has been set.
func PayloadFromContext(ctx context.Context) (Payload, bool) {
	a, ok := AssertionFromContext(ctx)
	if !ok {
		return nil, false
	}
	return a.Payload, true
}

// TraceIDFromContext extracts the OpenTelemetry trace ID as a hex string,
// for correlating authentication events with distributed traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
