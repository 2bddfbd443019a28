package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

func conditionProposal() *schema.Proposal {
	return &schema.Proposal{
		ID:           3,
		Title:        "Cluster Survey",
		CurrentState: "Technical Review",
		Data:         map[string]any{"priority": 4.0},
		Phases:       []*schema.Phase{{Phase: "phase1", Status: "submitted"}},
		Instruments: []*schema.InstrumentAssignment{
			{InstrumentID: 2, Phase: "phase1", Status: "feasible"},
		},
	}
}

func parseConditions(t *testing.T, raw string) schema.Conditions {
	t.Helper()
	var c schema.Conditions
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return c
}

func newEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewConditionEvaluator(cel, nil)
}

func TestEvaluateConditions(t *testing.T) {
	ev := newEvaluator(t)
	tests := []struct {
		name string
		raw  string
		tctx map[string]any
		want bool
	}{
		{"empty", `{}`, nil, true},
		{"null", `null`, nil, true},
		{"phase status match", `{"phase_status": {"phase": "phase1", "status": "submitted"}}`, nil, true},
		{"phase status mismatch", `{"phase_status": {"phase": "phase1", "status": "confirmed"}}`, nil, false},
		{"phase missing", `{"phase_status": {"phase": "phase2", "status": "submitted"}}`, nil, false},
		{"instrument match", `{"instrument_status": {"instrument_id": 2, "phase": "phase1", "status": "feasible"}}`, nil, true},
		{"instrument mismatch", `{"instrument_status": {"instrument_id": 2, "phase": "phase1", "status": "infeasible"}}`, nil, false},
		{"instrument missing", `{"instrument_status": {"instrument_id": 9, "phase": "phase1", "status": "feasible"}}`, nil, false},
		{"context match", `{"context.approved": true}`, map[string]any{"approved": true}, true},
		{"context numeric match", `{"context.score": 5}`, map[string]any{"score": 5}, true},
		{"context mismatch", `{"context.approved": true}`, map[string]any{"approved": false}, false},
		{"context absent", `{"context.approved": true}`, nil, false},
		{"unknown key fails closed", `{"moon_phase": "full"}`, nil, false},
		{"unknown key with valid ones", `{"phase_status": {"phase": "phase1", "status": "submitted"}, "weather": "clear"}`, nil, false},
		{"expression true", `{"expression": "proposal.data.priority > 3.0"}`, nil, true},
		{"expression false", `{"expression": "proposal.data.priority > 5.0"}`, nil, false},
		{"expression on context", `{"expression": "context.grade == 'A'"}`, map[string]any{"grade": "A"}, true},
		{"expression error is false", `{"expression": "proposal.data.missing.deep == 1"}`, nil, false},
		{"expression non-bool is false", `{"expression": "proposal.title"}`, nil, false},
		{
			"all predicates",
			`{"phase_status": {"phase": "phase1", "status": "submitted"}, "context.ok": "yes", "expression": "proposal.id == 3"}`,
			map[string]any{"ok": "yes"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := ev.Evaluate(context.Background(), parseConditions(t, tt.raw), conditionProposal(), tt.tctx)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestEvaluateConditions_NilCELFailsClosed(t *testing.T) {
	ev := NewConditionEvaluator(nil, nil)
	ok, _ := ev.Evaluate(context.Background(), parseConditions(t, `{"expression": "true"}`), conditionProposal(), nil)
	assert.False(t, ok)
}

func TestEvaluateConditions_DoesNotMutateProposal(t *testing.T) {
	ev := newEvaluator(t)
	p := conditionProposal()
	_, _ = ev.Evaluate(context.Background(), parseConditions(t, `{"expression": "proposal.data.priority > 1.0"}`), p, nil)
	assert.Equal(t, map[string]any{"priority": 4.0}, p.Data)
}
