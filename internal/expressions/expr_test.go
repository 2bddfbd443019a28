package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

func TestExpr_ResponsePredicate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
	data := map[string]any{
		"response": map[string]any{"airmass": 2.4, "moon_distance": 45.0},
	}

	ok, err := e.EvaluateBool(context.Background(), "response.airmass > 2 || response.moon_distance < 30", data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), "response.moon_distance < 30", data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_ProgramReusedAcrossResponseShapes(t *testing.T) {
	e := NewExprEngine()
	const cond = `response.visible == false`

	ok, err := e.EvaluateBool(context.Background(), cond, map[string]any{
		"response": map[string]any{"visible": false},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), cond, map[string]any{
		"response": map[string]any{"visible": true, "reason": "below horizon"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, e.progs.size())
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `response?.reason ?? "none"`, map[string]any{
		"response": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "none", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.EvaluateBool(context.Background(), "1 + 1", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), "response.(", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expr compile error")
	assert.Error(t, e.Compile("response.("))

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, "true", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
