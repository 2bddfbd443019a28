package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Actor headers. The caller's identity is trusted as sent; authentication
// belongs to whatever sits in front of this server.
const (
	HeaderActorID    = "X-Actor-Id"
	HeaderActorRoles = "X-Actor-Roles"
)

// ActorSource looks up an actor's roles when the request carries only an id.
// Satisfied by store.Store.
type ActorSource interface {
	GetActor(ctx context.Context, userID int64) (*schema.Actor, error)
}

func (s *Server) actorFromRequest(r *http.Request) (*schema.Actor, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if raw == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "%s header is required", HeaderActorID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "%s must be a positive integer", HeaderActorID)
	}

	if rolesHeader, ok := r.Header[http.CanonicalHeaderKey(HeaderActorRoles)]; ok {
		return &schema.Actor{ID: id, Roles: splitRoles(strings.Join(rolesHeader, ","))}, nil
	}
	if s.actors == nil {
		return &schema.Actor{ID: id, Roles: []string{}}, nil
	}
	return s.actors.GetActor(r.Context(), id)
}

func splitRoles(v string) []string {
	roles := []string{}
	for _, part := range strings.Split(v, ",") {
		if role := strings.TrimSpace(part); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}
