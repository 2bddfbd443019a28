package schema

import (
	"encoding/json"
	"time"
)

// TraceStatus is the lifecycle state of a tool execution trace.
type TraceStatus string

const (
	TraceStatusPending  TraceStatus = "pending"
	TraceStatusRunning  TraceStatus = "running"
	TraceStatusRetrying TraceStatus = "retrying"
	TraceStatusSuccess  TraceStatus = "success"
	TraceStatusFailed   TraceStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TraceStatus) IsTerminal() bool {
	return s == TraceStatusSuccess || s == TraceStatusFailed
}

// Triggers recorded on execution traces.
const (
	TriggerTransition      = "workflow_transition"
	TriggerFormInteraction = "form_interaction"
	TriggerManual          = "manual"
)

// Invocation says who started a tool call and why. Transition is set when
// the call is an effect of that transition.
type Invocation struct {
	ActorID     int64
	Transition  string
	TriggeredBy string
}

// Trigger returns TriggeredBy, defaulting to "manual".
func (i Invocation) Trigger() string {
	if i.TriggeredBy == "" {
		return TriggerManual
	}
	return i.TriggeredBy
}

// ExecutionTrace records one invocation attempt sequence.
type ExecutionTrace struct {
	ID              string            `json:"id"`
	OperationID     int64             `json:"operation_id"`
	ProposalID      int64             `json:"proposal_id,omitempty"`
	Transition      string            `json:"transition,omitempty"`
	ActorID         int64             `json:"actor_id,omitempty"`
	TriggeredBy     string            `json:"triggered_by"`
	RequestURL      string            `json:"request_url,omitempty"`
	RequestMethod   string            `json:"request_method,omitempty"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	RequestBody     json.RawMessage   `json:"request_body,omitempty"`
	ResponseStatus  int               `json:"response_status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    json.RawMessage   `json:"response_body,omitempty"`
	Status          TraceStatus       `json:"status"`
	RetryCount      int               `json:"retry_count"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// TransitionEvent is the audit record of a committed transition.
type TransitionEvent struct {
	ID         int64          `json:"id,omitempty"`
	ProposalID int64          `json:"proposal_id"`
	Transition string         `json:"transition"`
	FromState  string         `json:"from_state"`
	ToState    string         `json:"to_state"`
	ActorID    int64          `json:"actor_id"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
