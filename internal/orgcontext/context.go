package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

type actorContextKey struct{}

// Actor identifies who is acting on behalf of the organization.
type Actor struct {
	Type string
	ID   string
}

const (
	ActorTypeSystem   = "system"
	ActorTypeOperator = "operator"
)

// Subject renders the actor the way authorization policies address it.
func (a Actor) Subject() string {
	switch a.Type {
	case ActorTypeSystem:
		return ActorTypeSystem
	case "":
		return ""
	}
	if strings.TrimSpace(a.ID) == "" {
		return ""
	}
	return a.Type + ":" + strings.TrimSpace(a.ID)
}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	switch typed := ctx.Value(OrgContextKey{}).(type) {
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// WithActor stores the acting principal in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	actor.Type = strings.TrimSpace(actor.Type)
	actor.ID = strings.TrimSpace(actor.ID)
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the acting principal, if set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.Type == "" {
		return Actor{}, false
	}
	return actor, true
}
