package schema

import (
	"fmt"
	"strings"
)

// DefinitionIssue is a single problem found while loading a workflow definition.
type DefinitionIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i DefinitionIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// DefinitionReport aggregates every issue found in one definition.
type DefinitionReport struct {
	Issues []DefinitionIssue `json:"issues,omitempty"`
}

// Valid returns true if no issue was recorded.
func (r *DefinitionReport) Valid() bool {
	return len(r.Issues) == 0
}

// Add appends an issue.
func (r *DefinitionReport) Add(path, format string, args ...any) {
	r.Issues = append(r.Issues, DefinitionIssue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Merge combines another report into this one.
func (r *DefinitionReport) Merge(other *DefinitionReport) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError converts the report to an INVALID_DEFINITION error, nil if valid.
func (r *DefinitionReport) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Issues[0].String()
	if len(r.Issues) > 1 {
		lines := make([]string, len(r.Issues))
		for i, is := range r.Issues {
			lines[i] = is.String()
		}
		msg = fmt.Sprintf("workflow definition has %d problems:\n%s", len(r.Issues), strings.Join(lines, "\n"))
	}

	return NewError(ErrCodeInvalidDefinition, msg).
		WithDetails(map[string]any{
			"issue_count": len(r.Issues),
			"issues":      r.Issues,
		})
}
