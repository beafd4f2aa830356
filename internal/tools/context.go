package tools

import "context"

type contextKey string

const callIDKey contextKey = "call_id"

// WithCallID adds the call identifier to the context so handlers can
// attribute side effects to the call that triggered them.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey, id)
}

// CallIDFromContext extracts the call identifier from the context.
// Returns "" if not set.
func CallIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(callIDKey).(string); ok {
		return id
	}
	return ""
}
