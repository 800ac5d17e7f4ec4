package auth

import (
	"chat-sync/domain"
	"context"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	RolesKey  contextKey = "roles"
)

// WithClaims injects the user identity into ctx for the service layers.
func WithClaims(ctx context.Context, claims *CustomClaims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, domain.UserID(claims.UserID))
	return context.WithValue(ctx, RolesKey, claims.Roles)
}

// CurrentUser returns the authenticated user of ctx.
func CurrentUser(ctx context.Context) (domain.UserID, bool) {
	user, ok := ctx.Value(UserIDKey).(domain.UserID)
	return user, ok && user != ""
}
