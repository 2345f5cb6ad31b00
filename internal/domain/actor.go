package domain

import (
	"context"
	"strings"
)

// AnonymousActor names callers that did not identify themselves.
const AnonymousActor = "anonymous"

type actorKey struct{}

// WithActor stores the acting user's name on ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

// ActorFrom returns the acting user, or AnonymousActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return AnonymousActor
}
