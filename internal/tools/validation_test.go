package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

func newInterpreter() *ValidationInterpreter {
	return NewValidationInterpreter(expressions.NewExprEngine(), nil)
}

func TestCheck_NoConditionsUsesStatus(t *testing.T) {
	v := newInterpreter()
	ctx := context.Background()

	assert.True(t, v.Check(ctx, nil, map[string]any{}, 200).Valid)
	assert.True(t, v.Check(ctx, &schema.ValidationConfig{}, nil, 204).Valid)

	out := v.Check(ctx, &schema.ValidationConfig{}, nil, 302)
	assert.False(t, out.Valid)
	assert.Equal(t, "Validation service returned status 302", out.Message)
}

func TestCheck_FirstMatchingConditionFails(t *testing.T) {
	cfg := &schema.ValidationConfig{
		FailureConditions: []schema.FailureCondition{
			{Path: "response.score", Operator: ">", Value: 100},
			{Path: "response.status", Operator: "in", Value: []any{"rejected", "error"}},
		},
		ErrorMessageTemplate: "Check failed: {response.status} ({response.detail})",
	}
	body := map[string]any{"score": 10.0, "status": "rejected"}

	out := newInterpreter().Check(context.Background(), cfg, body, 200)
	assert.False(t, out.Valid)
	assert.Equal(t, "Check failed: rejected (N/A)", out.Message)
}

func TestCheck_FallbackMessageNamesPathAndValue(t *testing.T) {
	cfg := &schema.ValidationConfig{
		FailureConditions: []schema.FailureCondition{{Path: "response.valid", Value: false}},
	}
	out := newInterpreter().Check(context.Background(), cfg, map[string]any{"valid": false}, 200)
	assert.False(t, out.Valid)
	assert.Equal(t, "Validation failed: response.valid = false", out.Message)
}

func TestCheck_MissingPathOnlyMatchesNil(t *testing.T) {
	cfg := &schema.ValidationConfig{
		FailureConditions: []schema.FailureCondition{{Path: "response.absent", Operator: "==", Value: true}},
	}
	assert.True(t, newInterpreter().Check(context.Background(), cfg, map[string]any{}, 200).Valid)

	cfg.FailureConditions[0].Value = nil
	out := newInterpreter().Check(context.Background(), cfg, map[string]any{}, 200)
	assert.False(t, out.Valid)
	assert.Equal(t, "Validation failed: response.absent = null", out.Message)
}

func TestCheck_ExpressionCondition(t *testing.T) {
	cfg := &schema.ValidationConfig{
		FailureConditions: []schema.FailureCondition{{Expression: `response.hours < 2 && response.visible`}},
	}
	v := newInterpreter()

	out := v.Check(context.Background(), cfg, map[string]any{"hours": 1.0, "visible": true}, 200)
	assert.False(t, out.Valid)
	assert.Equal(t, "Validation failed: response.hours < 2 && response.visible", out.Message)

	assert.True(t, v.Check(context.Background(), cfg, map[string]any{"hours": 5.0, "visible": true}, 200).Valid)
}

func TestCheck_BrokenExpressionDoesNotMatch(t *testing.T) {
	cfg := &schema.ValidationConfig{
		FailureConditions: []schema.FailureCondition{{Expression: `response.hours +`}},
	}
	assert.True(t, newInterpreter().Check(context.Background(), cfg, map[string]any{}, 200).Valid)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		op       string
		expected any
		want     bool
	}{
		{"equal numbers across types", 3.0, "==", 3, true},
		{"equal strings", "ok", "==", "ok", true},
		{"not equal", "ok", "!=", "bad", true},
		{"greater", 5.0, ">", 2, true},
		{"greater false", 1.0, ">", 2, false},
		{"less strings", "a", "<", "b", true},
		{"incomparable greater", "a", ">", 1, false},
		{"nil greater", nil, ">", 1, false},
		{"in list", "x", "in", []any{"x", "y"}, true},
		{"in list numeric", 2.0, "in", []any{1, 2}, true},
		{"in substring", "err", "in", "fatal error", true},
		{"in map key", "k", "in", map[string]any{"k": 1}, true},
		{"not in list", "z", "not_in", []any{"x", "y"}, true},
		{"not in nil haystack", "z", "not_in", nil, true},
		{"unknown operator", 1, "~=", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.actual, tt.op, tt.expected))
		})
	}
}
