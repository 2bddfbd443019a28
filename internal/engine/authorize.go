package engine

import (
	"strings"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Authorize checks whether actorRoles permit t. A transition without roles is
// open to everyone.
func Authorize(t *schema.Transition, actorRoles []string) error {
	if permits(t, actorRoles) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePermissionDenied,
		"transition %q requires one of roles [%s]", t.Name, strings.Join(t.Roles, ", ")).
		WithDetails(map[string]any{
			"transition":     t.Name,
			"required_roles": t.Roles,
		})
}

func permits(t *schema.Transition, actorRoles []string) bool {
	if len(t.Roles) == 0 {
		return true
	}
	for _, want := range t.Roles {
		for _, have := range actorRoles {
			if want == have {
				return true
			}
		}
	}
	return false
}
