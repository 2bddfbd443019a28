// Package validation loads workflow definitions and rejects malformed ones
// before any transition runs against them.
package validation

import (
	"encoding/json"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Validator checks a raw workflow definition against the workflow's
// registered state names and returns the decoded definition.
type Validator interface {
	Load(raw json.RawMessage, states []string) (*schema.WorkflowDefinition, error)
}
