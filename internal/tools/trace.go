package tools

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// TraceRecorder persists execution traces. The invoker creates a trace before
// the first attempt and updates the same row in place afterwards.
// Satisfied by store.Store.
type TraceRecorder interface {
	CreateTrace(ctx context.Context, trace *schema.ExecutionTrace) error
	UpdateTrace(ctx context.Context, trace *schema.ExecutionTrace) error
}

// ValidTraceTransitions is the trace lifecycle:
//
//	pending -> running -> [retrying -> running]* -> success | failed
//
// pending may fail directly when the request cannot be built.
var ValidTraceTransitions = map[schema.TraceStatus][]schema.TraceStatus{
	schema.TraceStatusPending:  {schema.TraceStatusRunning, schema.TraceStatusFailed},
	schema.TraceStatusRunning:  {schema.TraceStatusRetrying, schema.TraceStatusSuccess, schema.TraceStatusFailed},
	schema.TraceStatusRetrying: {schema.TraceStatusRunning, schema.TraceStatusFailed},
}

// TransitionHook is called after a trace changes state.
type TransitionHook func(from, to schema.TraceStatus)

// Trace is the state machine around one ExecutionTrace record. It is the sole
// mutable record of an invocation.
type Trace struct {
	mu       sync.Mutex
	record   *schema.ExecutionTrace
	recorder TraceRecorder
	now      func() time.Time
	hooks    []TransitionHook
}

func newTrace(op *schema.ToolOperation, proposalID int64, by schema.Invocation, recorder TraceRecorder, now func() time.Time) *Trace {
	return &Trace{
		record: &schema.ExecutionTrace{
			ID:          uuid.New().String(),
			OperationID: op.ID,
			ProposalID:  proposalID,
			Transition:  by.Transition,
			ActorID:     by.ActorID,
			TriggeredBy: by.Trigger(),
			Status:      schema.TraceStatusPending,
			StartedAt:   now().UTC(),
		},
		recorder: recorder,
		now:      now,
	}
}

// Record returns a copy of the current trace record.
func (t *Trace) Record() schema.ExecutionTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.record
}

// OnTransition registers a hook called after every state change.
func (t *Trace) OnTransition(h TransitionHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, h)
}

func (t *Trace) create(ctx context.Context) error {
	if t.recorder == nil {
		return nil
	}
	t.mu.Lock()
	rec := *t.record
	t.mu.Unlock()
	if err := t.recorder.CreateTrace(ctx, &rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create execution trace: %s", err.Error()).WithCause(err)
	}
	return nil
}

// setRequest records the outgoing request with credentials and the secret
// header names redacted.
func (t *Trace) setRequest(url, method string, headers map[string]string, secret []string, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.RequestURL = url
	t.record.RequestMethod = method
	t.record.RequestHeaders = SanitizeHeaders(headers, secret...)
	if len(body) > 0 {
		t.record.RequestBody = json.RawMessage(body)
	}
}

func (t *Trace) setResponse(status int, headers map[string]string, body any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record.ResponseStatus = status
	t.record.ResponseHeaders = headers
	if b, err := json.Marshal(body); err == nil {
		t.record.ResponseBody = b
	}
}

// start moves pending -> running, or retrying -> running.
func (t *Trace) start(ctx context.Context) error {
	return t.transition(ctx, schema.TraceStatusRunning, func(r *schema.ExecutionTrace) {})
}

// retry moves running -> retrying and records the retry count.
func (t *Trace) retry(ctx context.Context, retryCount int) error {
	return t.transition(ctx, schema.TraceStatusRetrying, func(r *schema.ExecutionTrace) {
		r.RetryCount = retryCount
	})
}

func (t *Trace) succeed(ctx context.Context) error {
	return t.transition(ctx, schema.TraceStatusSuccess, func(r *schema.ExecutionTrace) {
		now := t.now().UTC()
		r.CompletedAt = &now
	})
}

func (t *Trace) fail(ctx context.Context, message string) error {
	return t.transition(ctx, schema.TraceStatusFailed, func(r *schema.ExecutionTrace) {
		now := t.now().UTC()
		r.CompletedAt = &now
		r.ErrorMessage = message
	})
}

// transition validates and applies a state change, then persists the record.
// Persistence errors are returned but the in-memory state still advances.
func (t *Trace) transition(ctx context.Context, to schema.TraceStatus, mutate func(*schema.ExecutionTrace)) error {
	t.mu.Lock()
	from := t.record.Status
	if !isValidTraceTransition(from, to) {
		t.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid trace transition: %s -> %s", from, to).
			WithDetails(map[string]any{"trace_id": t.record.ID, "from": string(from), "to": string(to)})
	}
	t.record.Status = to
	mutate(t.record)
	rec := *t.record
	hooks := append([]TransitionHook(nil), t.hooks...)
	t.mu.Unlock()

	for _, h := range hooks {
		h(from, to)
	}

	if t.recorder == nil {
		return nil
	}
	if err := t.recorder.UpdateTrace(ctx, &rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update execution trace: %s", err.Error()).WithCause(err)
	}
	return nil
}

func isValidTraceTransition(from, to schema.TraceStatus) bool {
	for _, a := range ValidTraceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
