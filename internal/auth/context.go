package auth

import (
	"context"

	"github.com/haasonsaas/butler/internal/observability"
	"github.com/haasonsaas/butler/pkg/models"
)

type userContextKey struct{}

// WithUser attaches a user to the context and tags its log records with
// the user id.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	ctx = observability.AddUserID(ctx, user.ID)
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves a user from the context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}

// RolesFromContext returns the roles of the caller, or nil when the request
// is anonymous.
func RolesFromContext(ctx context.Context) []string {
	if user, ok := UserFromContext(ctx); ok {
		return user.Roles
	}
	return nil
}
