package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

type fakeEngine struct {
	err       error
	lastActor *schema.Actor
	lastCtx   map[string]any
	lastID    int64
	lastName  string
}

func (f *fakeEngine) ExecuteTransition(_ context.Context, id int64, action string, actor *schema.Actor, tctx map[string]any) (*engine.TransitionResult, error) {
	f.lastID, f.lastName, f.lastActor, f.lastCtx = id, action, actor, tctx
	if f.err != nil {
		return nil, f.err
	}
	return &engine.TransitionResult{Status: "success", ProposalID: id, Action: action, FromState: "Draft", NewState: "Submitted"}, nil
}

func (f *fakeEngine) AllowedActions(_ context.Context, id int64, actor *schema.Actor) ([]engine.AllowedAction, error) {
	f.lastID, f.lastActor = id, actor
	if f.err != nil {
		return nil, f.err
	}
	if len(actor.Roles) == 0 {
		return nil, nil
	}
	return []engine.AllowedAction{{Name: "submit_phase1", Label: "Submit", To: "Submitted"}}, nil
}

func (f *fakeEngine) ExecuteOperation(_ context.Context, id int64, actor *schema.Actor, tctx map[string]any) (*engine.OperationResult, error) {
	f.lastID, f.lastActor, f.lastCtx = id, actor, tctx
	if f.err != nil {
		return nil, f.err
	}
	return &engine.OperationResult{
		Success:      true,
		Status:       "success",
		TraceID:      "t-9",
		Response:     map[string]any{"visible": true},
		MappedOutput: map[string]any{"visibility": true},
	}, nil
}

type fakeTraces struct{ filter store.TraceFilter }

func (f *fakeTraces) ListTraces(_ context.Context, filter store.TraceFilter) ([]*schema.ExecutionTrace, error) {
	f.filter = filter
	return []*schema.ExecutionTrace{{ID: "t-1", ProposalID: filter.ProposalID, OperationID: 3, Status: schema.TraceStatusSuccess}}, nil
}

type fakeHistory struct{ err error }

func (f *fakeHistory) Replay(_ context.Context, id int64) (*store.History, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &store.History{ProposalID: id, CurrentState: "Draft"}, nil
}

type fakeActors struct{}

func (fakeActors) GetActor(_ context.Context, id int64) (*schema.Actor, error) {
	if id != 7 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "user %d not found", id)
	}
	return &schema.Actor{ID: 7, Username: "pi", Roles: []string{"Proposer"}}, nil
}

func newTestServer(eng *fakeEngine) (*Server, *fakeTraces) {
	traces := &fakeTraces{}
	s := NewServer(Config{
		Engine:  eng,
		Traces:  traces,
		History: &fakeHistory{},
		Actors:  fakeActors{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	return s, traces
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("content-type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

var piHeaders = map[string]string{HeaderActorID: "7", HeaderActorRoles: "Proposer, Reviewer"}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{})

	rec, out := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	rec, _ = do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestTransition_Success(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(eng)

	rec, out := do(t, s, http.MethodPost, "/api/proposals/12/transitions/submit_phase1",
		`{"context":{"note":"ready"}}`, piHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "Submitted", out["new_state"])

	assert.Equal(t, int64(12), eng.lastID)
	assert.Equal(t, "submit_phase1", eng.lastName)
	assert.Equal(t, []string{"Proposer", "Reviewer"}, eng.lastActor.Roles)
	assert.Equal(t, map[string]any{"note": "ready"}, eng.lastCtx)
}

func TestTransition_EmptyBody(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(eng)

	rec, _ := do(t, s, http.MethodPost, "/api/proposals/12/transitions/submit_phase1", "", piHeaders)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, eng.lastCtx)
}

func TestTransition_BadInput(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{})

	tests := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
	}{
		{"unknown field", "/api/proposals/1/transitions/a", `{"transition":"a"}`, piHeaders},
		{"malformed json", "/api/proposals/1/transitions/a", `{`, piHeaders},
		{"bad proposal id", "/api/proposals/abc/transitions/a", `{}`, piHeaders},
		{"missing actor", "/api/proposals/1/transitions/a", `{}`, nil},
		{"bad actor", "/api/proposals/1/transitions/a", `{}`, map[string]string{HeaderActorID: "-3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, s, http.MethodPost, tt.path, tt.body, tt.headers)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			errBody := out["error"].(map[string]any)
			assert.Equal(t, schema.ErrCodeInvalidInput, errBody["code"])
			assert.True(t, strings.HasPrefix(out["request_id"].(string), "req_"))
		})
	}
}

func TestTransition_ErrorMapping(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		errType string
	}{
		{schema.NewError(schema.ErrCodePermissionDenied, "denied"), http.StatusForbidden, "permission_denied"},
		{schema.NewError(schema.ErrCodeConditionFailed, "Transition conditions not met: phase"), http.StatusBadRequest, "condition_failed"},
		{schema.NewError(schema.ErrCodeWorkflow, "Invalid from state"), http.StatusBadRequest, "workflow_error"},
		{schema.NewError(schema.ErrCodeToolService, "down"), http.StatusServiceUnavailable, "tool_service_unavailable"},
		{schema.NewError(schema.ErrCodeTool, "boom"), http.StatusBadGateway, "tool_error"},
		{schema.NewError(schema.ErrCodeNotFound, "proposal 1 not found"), http.StatusNotFound, "not_found"},
		{schema.NewError(schema.ErrCodeConflict, "moved"), http.StatusConflict, "conflict"},
		{schema.NewError(schema.ErrCodeStore, "disk"), http.StatusInternalServerError, "internal_error"},
		{errors.New("sql: connection refused"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.errType, func(t *testing.T) {
			s, _ := newTestServer(&fakeEngine{err: tt.err})
			rec, out := do(t, s, http.MethodPost, "/api/proposals/1/transitions/a", `{}`, piHeaders)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.errType, out["error"].(map[string]any)["type"])
		})
	}
}

func TestTransition_InternalErrorTextHidden(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{err: errors.New("sql: password=hunter2")})
	rec, _ := do(t, s, http.MethodPost, "/api/proposals/1/transitions/a", `{}`, piHeaders)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestTransition_ValidationDetails(t *testing.T) {
	verr := schema.NewError(schema.ErrCodeValidationFailed, "Validation failed:\nvisibility too low\nexposure too long").
		WithDetails(map[string]any{
			"messages":   []string{"visibility too low", "exposure too long"},
			"operations": []int64{1, 2},
		})
	s, _ := newTestServer(&fakeEngine{err: verr})

	rec, out := do(t, s, http.MethodPost, "/api/proposals/1/transitions/a", `{}`, piHeaders)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errBody := out["error"].(map[string]any)
	assert.Equal(t, "validation_failed", errBody["type"])
	assert.Equal(t, []any{"visibility too low", "exposure too long"}, errBody["details"])
}

func TestAllowedActions(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(eng)

	rec, out := do(t, s, http.MethodGet, "/api/proposals/5/transitions", "", piHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	list := out["transitions"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "submit_phase1", list[0].(map[string]any)["name"])

	// An empty role header means no roles, and serializes as an empty list.
	rec, out = do(t, s, http.MethodGet, "/api/proposals/5/transitions", "",
		map[string]string{HeaderActorID: "9", HeaderActorRoles: ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, out["transitions"])
}

func TestActorRolesFromSource(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(eng)

	rec, _ := do(t, s, http.MethodGet, "/api/proposals/5/transitions", "", map[string]string{HeaderActorID: "7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pi", eng.lastActor.Username)
	assert.Equal(t, []string{"Proposer"}, eng.lastActor.Roles)

	rec, _ = do(t, s, http.MethodGet, "/api/proposals/5/transitions", "", map[string]string{HeaderActorID: "8"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolExecutions(t *testing.T) {
	s, traces := newTestServer(&fakeEngine{})

	rec, out := do(t, s, http.MethodGet, "/api/proposals/4/tool-executions?limit=10&status=success", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["tool_executions"], 1)
	assert.Equal(t, store.TraceFilter{ProposalID: 4, Limit: 10, Status: schema.TraceStatusSuccess}, traces.filter)

	rec, _ = do(t, s, http.MethodGet, "/api/proposals/4/tool-executions?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{})
	rec, out := do(t, s, http.MethodGet, "/api/proposals/4/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Draft", out["current_state"])
	assert.Equal(t, []any{}, out["events"])

	s.history = &fakeHistory{err: schema.NewError(schema.ErrCodeStore, "broken history")}
	rec, _ = do(t, s, http.MethodGet, "/api/proposals/4/events", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExecuteOperation(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(eng)

	rec, out := do(t, s, http.MethodPost, "/api/tool-operations/4/execute",
		`{"context":{"proposal_id":12,"target":"M31"}}`, piHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "t-9", out["trace_id"])
	assert.Equal(t, map[string]any{"visibility": true}, out["mapped_output"])

	assert.Equal(t, int64(4), eng.lastID)
	assert.Equal(t, int64(7), eng.lastActor.ID)
	assert.Equal(t, map[string]any{"proposal_id": 12.0, "target": "M31"}, eng.lastCtx)
}

func TestExecuteOperation_Errors(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{})
	rec, out := do(t, s, http.MethodPost, "/api/tool-operations/x/execute", `{}`, piHeaders)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "operation id must be a positive integer", out["error"].(map[string]any)["message"])

	rec, _ = do(t, s, http.MethodPost, "/api/tool-operations/4/execute", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s, _ = newTestServer(&fakeEngine{err: schema.NewError(schema.ErrCodePermissionDenied, "not yours")})
	rec, out = do(t, s, http.MethodPost, "/api/tool-operations/4/execute", `{"context":{"proposal_id":12}}`, piHeaders)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_denied", out["error"].(map[string]any)["type"])
}
