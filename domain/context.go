package domain

import (
	"context"
	"sort"
)

// ActorType tells whether a management request acts on behalf of a user or of an application.
type ActorType string

const (
	ActorUser ActorType = "user"
	ActorApp  ActorType = "app"
)

// AuthContext is the request-scoped result of bearer authentication.
type AuthContext struct {
	Type   ActorType
	ID     string
	Scopes map[string]struct{}
}

// NewAuthContext builds the context for a verified subject. The actor is an application when
// the subject equals the client ID.
func NewAuthContext(sub, clientID string, scopes []string) *AuthContext {
	actor := ActorUser
	if clientID != "" && sub == clientID {
		actor = ActorApp
	}
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return &AuthContext{Type: actor, ID: sub, Scopes: set}
}

// HasScope reports whether the context holds the scope.
func (a *AuthContext) HasScope(scope string) bool {
	_, ok := a.Scopes[scope]
	return ok
}

// ScopeList returns the scopes sorted by name.
func (a *AuthContext) ScopeList() []string {
	out := make([]string, 0, len(a.Scopes))
	for s := range a.Scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type authContextKey struct{}

// WithAuthContext stores the authorization context in ctx.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthContextFrom retrieves the authorization context from ctx.
func AuthContextFrom(ctx context.Context) (*AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return auth, ok
}
