package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

func celData() map[string]any {
	return map[string]any{
		"proposal": map[string]any{
			"id":     int64(12),
			"title":  "Deep field",
			"status": "Technical Review",
			"data":   map[string]any{"hours": 14.5, "targets": []any{"M31", "M33"}},
		},
		"context": map[string]any{"approved": true},
	}
}

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_ProposalPredicate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `proposal.data.hours > 10.0 && size(proposal.data.targets) == 2`, celData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `proposal.status == "Draft"`, celData())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_ContextPredicate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `context.approved == true`, celData())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `!has(context.approved)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `proposal.title`, celData())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile(`proposal.title ==`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
	assert.Contains(t, err.Error(), "CEL compile error")

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestCEL_UnknownVariableRejected(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.Error(t, e.Compile(`steps.x == 1`))
}

func TestCEL_RuntimeError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `proposal.missing.deeper == 1`, celData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEL evaluation failed")
}

func TestCEL_ConcurrentUseSharesCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, evalErr := e.EvaluateBool(context.Background(), `context.approved`, celData())
			assert.NoError(t, evalErr)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, e.progs.size())
}

func TestCEL_Extensions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `proposal.title.lowerAscii().contains("deep")`, celData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `math.greatest(proposal.data.hours, 20.0) == 20.0`, celData())
	require.NoError(t, err)
	assert.True(t, ok)
}
