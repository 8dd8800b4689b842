package app

import (
	"context"
	"strings"
)

// CallerIdentity carries the calling actor and an optional lock token supplied
// by a transport adapter.
type CallerIdentity struct {
	ActorID   string
	LockToken string
}

// callerContextKey stores context keys for caller identity values.
type callerContextKey struct{}

// WithCaller attaches a normalized caller identity to context.
func WithCaller(ctx context.Context, caller CallerIdentity) context.Context {
	return context.WithValue(ctx, callerContextKey{}, normalizeCaller(caller))
}

// CallerFromContext returns the caller identity when present.
func CallerFromContext(ctx context.Context) (CallerIdentity, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(CallerIdentity)
	if !ok {
		return CallerIdentity{}, false
	}
	caller = normalizeCaller(caller)
	if caller.ActorID == "" {
		return CallerIdentity{}, false
	}
	return caller, true
}

// actorOrCaller returns actorID, falling back to the context caller.
func actorOrCaller(ctx context.Context, actorID string) string {
	actorID = strings.TrimSpace(actorID)
	if actorID != "" {
		return actorID
	}
	if caller, ok := CallerFromContext(ctx); ok {
		return caller.ActorID
	}
	return ""
}

// normalizeCaller trims caller identity fields.
func normalizeCaller(caller CallerIdentity) CallerIdentity {
	caller.ActorID = strings.TrimSpace(caller.ActorID)
	caller.LockToken = strings.TrimSpace(caller.LockToken)
	return caller
}
