package store

import (
	"encoding/json"
	"time"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Workflow is the persisted workflow record: the raw definition document plus
// the state rows proposals reference.
type Workflow struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	States      []WorkflowState `json:"states"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// WorkflowState is one named state row of a workflow.
type WorkflowState struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// StateID returns the row id of the named state.
func (w *Workflow) StateID(name string) (int64, bool) {
	for _, s := range w.States {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}

// StateNames returns the declared state names in row order.
func (w *Workflow) StateNames() []string {
	names := make([]string, len(w.States))
	for i, s := range w.States {
		names[i] = s.Name
	}
	return names
}

// TransitionCommit is everything a successful transition writes, applied in
// one database transaction. The proposal's state is compare-and-swapped from
// FromStateID to ToStateID.
type TransitionCommit struct {
	ProposalID  int64
	FromStateID int64
	ToStateID   int64

	// Data replaces the proposal's data when DataChanged is set.
	Data        map[string]any
	DataChanged bool

	Phases      []*schema.Phase
	Assignments []*schema.InstrumentAssignment
	Event       *schema.TransitionEvent
}

// ScheduledTransition fires a named transition on every proposal of a
// workflow that sits in FromState, on a cron schedule.
type ScheduledTransition struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	WorkflowID     int64      `json:"workflow_id"`
	FromState      string     `json:"from_state"`
	Transition     string     `json:"transition"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// TraceFilter specifies criteria for listing execution traces.
type TraceFilter struct {
	ProposalID  int64              `json:"proposal_id,omitempty"`
	OperationID int64              `json:"operation_id,omitempty"`
	Status      schema.TraceStatus `json:"status,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

// ScheduledTransitionUpdate specifies mutable fields of a scheduled transition.
type ScheduledTransitionUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTransitionFilter specifies criteria for listing scheduled transitions.
type ScheduledTransitionFilter struct {
	Enabled    *bool `json:"enabled,omitempty"`
	WorkflowID int64 `json:"workflow_id,omitempty"`
	Limit      int   `json:"limit,omitempty"`
}
