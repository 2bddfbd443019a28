package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

var reviewStates = []string{"Draft", "Submitted", "Technical Review", "Scheduling", "Accepted"}

const validDefinition = `{
  "initial_state": "Draft",
  "transitions": [
    {
      "name": "submit_phase1",
      "label": "Submit",
      "from": "Draft",
      "to": "Submitted",
      "roles": ["PI"],
      "effects": {"phase": "phase1", "set_phase_status": "submitted", "record_submission_time": true}
    },
    {
      "name": "start_review",
      "from": "Submitted",
      "to": "Technical Review",
      "conditions": {"phase_status": {"phase": "phase1", "status": "submitted"}, "context.ready": true},
      "effects": {"external_tools": [{"operation_id": 3, "on_failure": "abort"}]}
    },
    {
      "name": "schedule",
      "from": "Technical Review",
      "to": "Scheduling",
      "conditions": {"expression": "proposal.data.priority > 2"},
      "effects": {"instrument": {"instrument_id": 1, "phase": "phase1", "set_status": "scheduled", "update_feedback": true}}
    }
  ]
}`

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := NewDefinitionValidator(cel)
	require.NoError(t, err)
	return v
}

func issuesOf(report *schema.DefinitionReport) string {
	lines := make([]string, 0, len(report.Issues))
	for _, is := range report.Issues {
		lines = append(lines, is.String())
	}
	return strings.Join(lines, "\n")
}

func TestDefinitionValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*DefinitionValidator)(nil)
}

func TestDefinitionValidator_LoadValid(t *testing.T) {
	v := newValidator(t)
	def, err := v.Load(json.RawMessage(validDefinition), reviewStates)
	require.NoError(t, err)
	require.Len(t, def.Transitions, 3)

	submit := def.FindTransition("submit_phase1")
	require.NotNil(t, submit)
	assert.Equal(t, "Submit", submit.Label)
	assert.True(t, submit.Effects.TouchesPhase())

	review := def.FindTransition("start_review")
	require.NotNil(t, review)
	assert.Equal(t, true, review.Conditions.Context["ready"])
	assert.Equal(t, schema.OnFailureAbort, review.Effects.ExternalTools[0].Policy())
}

func TestDefinitionValidator_FallsBackToDeclaredStates(t *testing.T) {
	v := newValidator(t)
	raw := `{"states": ["A", "B"], "transitions": [{"name": "go", "from": "A", "to": "B"}]}`
	_, err := v.Load(json.RawMessage(raw), nil)
	assert.NoError(t, err)
}

func TestDefinitionValidator_Structural(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed", `{"transitions": [`},
		{"missing transitions", `{"initial_state": "Draft"}`},
		{"missing to", `{"transitions": [{"name": "x", "from": "Draft"}]}`},
		{"unknown top-level key", `{"transitions": [], "steps": []}`},
		{"unknown effect", `{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "effects": {"send_email": true}}]}`},
		{"bad on_failure", `{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "effects": {"external_tools": [{"operation_id": 1, "on_failure": "retry"}]}}]}`},
		{"bad phase_status", `{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "conditions": {"phase_status": {"phase": "phase1"}}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, report := v.Validate(json.RawMessage(tt.raw), reviewStates)
			assert.False(t, report.Valid())
		})
	}
}

func TestDefinitionValidator_UnknownConditionKeysSurvive(t *testing.T) {
	v := newValidator(t)
	raw := `{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "conditions": {"moon_phase": "full"}}]}`
	def, err := v.Load(json.RawMessage(raw), reviewStates)
	require.NoError(t, err)
	assert.Equal(t, []string{"moon_phase"}, def.Transitions[0].Conditions.Unknown)
}

func TestDefinitionValidator_Semantic(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			"unknown from state",
			`{"transitions": [{"name": "x", "from": "Limbo", "to": "Submitted"}]}`,
			`unknown state "Limbo"`,
		},
		{
			"unknown to state",
			`{"transitions": [{"name": "x", "from": "Draft", "to": "Rejected"}]}`,
			`unknown state "Rejected"`,
		},
		{
			"duplicate name",
			`{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted"}, {"name": "x", "from": "Submitted", "to": "Accepted"}]}`,
			`duplicate transition name "x"`,
		},
		{
			"undeclared initial state",
			`{"initial_state": "Start", "transitions": []}`,
			`initial state "Start" is not declared`,
		},
		{
			"unregistered state list",
			`{"states": ["Draft", "Archived"], "transitions": []}`,
			`state "Archived" is not registered`,
		},
		{
			"phase flags without phase",
			`{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "effects": {"set_phase_status": "submitted"}}]}`,
			"phase effects require a phase label",
		},
		{
			"bad update_feedback",
			`{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "effects": {"instrument": {"instrument_id": 1, "phase": "p", "update_feedback": "yes"}}}]}`,
			"must be true or a mapping object",
		},
		{
			"duplicate tool",
			`{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "effects": {"external_tools": [{"operation_id": 4}, {"operation_id": 4}]}}]}`,
			"operation 4 listed twice",
		},
		{
			"bad expression",
			`{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "conditions": {"expression": "proposal.data.priority >"}}]}`,
			"/transitions/0/conditions/expression",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, report := v.Validate(json.RawMessage(tt.raw), reviewStates)
			require.False(t, report.Valid())
			assert.Contains(t, issuesOf(report), tt.want)
		})
	}
}

func TestDefinitionValidator_NoStates(t *testing.T) {
	v := newValidator(t)
	_, err := v.Load(json.RawMessage(`{"transitions": []}`), nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidDefinition))
}

func TestDefinitionValidator_MultipleIssuesAggregated(t *testing.T) {
	v := newValidator(t)
	raw := `{"transitions": [{"name": "x", "from": "A", "to": "B"}]}`
	_, err := v.Load(json.RawMessage(raw), reviewStates)
	require.Error(t, err)

	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Details["issue_count"])
	assert.Contains(t, se.Message, "2 problems")
}

func TestDefinitionValidator_NilCompilerSkipsExpressions(t *testing.T) {
	v, err := NewDefinitionValidator(nil)
	require.NoError(t, err)
	raw := `{"transitions": [{"name": "x", "from": "Draft", "to": "Submitted", "conditions": {"expression": "((("}}]}`
	_, err = v.Load(json.RawMessage(raw), reviewStates)
	assert.NoError(t, err)
}
