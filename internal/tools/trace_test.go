package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestTrace_Lifecycle(t *testing.T) {
	rec := newMemRecorder()
	op := &schema.ToolOperation{ID: 5}
	by := schema.Invocation{ActorID: 3, Transition: "submit", TriggeredBy: schema.TriggerTransition}
	tr := newTrace(op, 9, by, rec, fixedNow)

	var seen [][2]schema.TraceStatus
	tr.OnTransition(func(from, to schema.TraceStatus) {
		seen = append(seen, [2]schema.TraceStatus{from, to})
	})

	ctx := context.Background()
	require.NoError(t, tr.create(ctx))
	require.NoError(t, tr.start(ctx))
	require.NoError(t, tr.retry(ctx, 1))
	require.NoError(t, tr.start(ctx))
	require.NoError(t, tr.succeed(ctx))

	r := tr.Record()
	assert.Equal(t, schema.TraceStatusSuccess, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, int64(5), r.OperationID)
	assert.Equal(t, int64(9), r.ProposalID)
	assert.Equal(t, "submit", r.Transition)
	assert.Equal(t, int64(3), r.ActorID)
	assert.Equal(t, schema.TriggerTransition, r.TriggeredBy)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, fixedNow(), *r.CompletedAt)
	assert.Len(t, seen, 4)

	stored := rec.get(r.ID)
	assert.Equal(t, schema.TraceStatusSuccess, stored.Status)
}

func TestTrace_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	tr := newTrace(&schema.ToolOperation{ID: 1}, 1, schema.Invocation{}, nil, fixedNow)

	err := tr.succeed(ctx)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	require.NoError(t, tr.fail(ctx, "bad request"))
	err = tr.start(ctx)
	require.Error(t, err)
	assert.Equal(t, "bad request", tr.Record().ErrorMessage)
}

func TestTrace_SetRequestRedactsCredentials(t *testing.T) {
	tr := newTrace(&schema.ToolOperation{ID: 1}, 1, schema.Invocation{}, nil, fixedNow)
	headers := map[string]string{"Authorization": "Bearer x", "x-api-key": "k", "X-Token": "t", "Accept": "application/json"}
	tr.setRequest("http://svc/x", "POST", headers, []string{"x-token"}, []byte(`{"a":1}`))

	r := tr.Record()
	assert.Equal(t, Redacted, r.RequestHeaders["Authorization"])
	assert.Equal(t, Redacted, r.RequestHeaders["x-api-key"])
	assert.Equal(t, Redacted, r.RequestHeaders["X-Token"])
	assert.Equal(t, schema.TriggerManual, r.TriggeredBy)
	assert.Equal(t, "application/json", r.RequestHeaders["Accept"])
	assert.Equal(t, "Bearer x", headers["Authorization"])
	assert.JSONEq(t, `{"a":1}`, string(r.RequestBody))
}

func TestTerminalStatuses(t *testing.T) {
	for from := range ValidTraceTransitions {
		assert.False(t, from.IsTerminal(), "%s has outgoing transitions", from)
	}
	assert.NotContains(t, ValidTraceTransitions, schema.TraceStatusSuccess)
	assert.NotContains(t, ValidTraceTransitions, schema.TraceStatusFailed)
}
