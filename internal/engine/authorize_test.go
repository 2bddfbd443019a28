package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		actor   []string
		allowed bool
	}{
		{"unrestricted", nil, nil, true},
		{"unrestricted with roles", nil, []string{"PI"}, true},
		{"intersecting", []string{"Admin", "TAC"}, []string{"PI", "TAC"}, true},
		{"disjoint", []string{"Admin"}, []string{"PI"}, false},
		{"actor without roles", []string{"Admin"}, nil, false},
		{"case sensitive", []string{"Admin"}, []string{"admin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &schema.Transition{Name: "accept", Roles: tt.roles}
			err := Authorize(tr, tt.actor)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodePermissionDenied))
			assert.Contains(t, err.Error(), `"accept"`)
		})
	}
}
