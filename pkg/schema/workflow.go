package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// WorkflowDefinition is the JSON-serializable transition graph attached to a
// workflow record.
type WorkflowDefinition struct {
	InitialState string       `json:"initial_state,omitempty"`
	States       []string     `json:"states,omitempty"`
	Transitions  []Transition `json:"transitions"`
}

// Transition is a named edge in the workflow state graph.
type Transition struct {
	Name       string     `json:"name"`
	Label      string     `json:"label,omitempty"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Roles      []string   `json:"roles,omitempty"`
	Conditions Conditions `json:"conditions,omitempty"`
	Effects    Effects    `json:"effects,omitempty"`
}

// FindTransition returns the transition with the given name, or nil.
func (d *WorkflowDefinition) FindTransition(name string) *Transition {
	for i := range d.Transitions {
		if d.Transitions[i].Name == name {
			return &d.Transitions[i]
		}
	}
	return nil
}

// OutgoingFrom returns the transitions whose from state equals state, in
// declared order.
func (d *WorkflowDefinition) OutgoingFrom(state string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// --- Conditions ---

// ContextConditionPrefix marks a context-equality predicate key.
const ContextConditionPrefix = "context."

// PhaseStatusCondition requires a phase record with an exact status.
type PhaseStatusCondition struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
}

// InstrumentStatusCondition requires an instrument assignment with an exact status.
type InstrumentStatusCondition struct {
	InstrumentID int64  `json:"instrument_id"`
	Phase        string `json:"phase"`
	Status       string `json:"status"`
}

// Conditions is the closed set of predicates guarding a transition.
// Keys the decoder does not recognize are kept in Unknown so evaluation can
// fail closed on them.
type Conditions struct {
	PhaseStatus      *PhaseStatusCondition
	InstrumentStatus *InstrumentStatusCondition
	Context          map[string]any
	Expression       string
	Unknown          []string
}

// Empty reports whether no predicate is configured.
func (c Conditions) Empty() bool {
	return c.PhaseStatus == nil && c.InstrumentStatus == nil &&
		len(c.Context) == 0 && c.Expression == "" && len(c.Unknown) == 0
}

func (c *Conditions) UnmarshalJSON(data []byte) error {
	*c = Conditions{}
	if string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}
	for key, val := range raw {
		switch {
		case key == "phase_status":
			var ps PhaseStatusCondition
			if err := json.Unmarshal(val, &ps); err != nil {
				return fmt.Errorf("conditions.phase_status: %w", err)
			}
			c.PhaseStatus = &ps
		case key == "instrument_status":
			var is InstrumentStatusCondition
			if err := json.Unmarshal(val, &is); err != nil {
				return fmt.Errorf("conditions.instrument_status: %w", err)
			}
			c.InstrumentStatus = &is
		case key == "expression":
			if err := json.Unmarshal(val, &c.Expression); err != nil {
				return fmt.Errorf("conditions.expression: %w", err)
			}
		case strings.HasPrefix(key, ContextConditionPrefix) && len(key) > len(ContextConditionPrefix):
			var expected any
			if err := json.Unmarshal(val, &expected); err != nil {
				return fmt.Errorf("conditions.%s: %w", key, err)
			}
			if c.Context == nil {
				c.Context = make(map[string]any)
			}
			c.Context[strings.TrimPrefix(key, ContextConditionPrefix)] = expected
		default:
			c.Unknown = append(c.Unknown, key)
		}
	}
	sort.Strings(c.Unknown)
	return nil
}

func (c Conditions) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if c.PhaseStatus != nil {
		out["phase_status"] = c.PhaseStatus
	}
	if c.InstrumentStatus != nil {
		out["instrument_status"] = c.InstrumentStatus
	}
	if c.Expression != "" {
		out["expression"] = c.Expression
	}
	for k, v := range c.Context {
		out[ContextConditionPrefix+k] = v
	}
	for _, k := range c.Unknown {
		out[k] = nil
	}
	return json.Marshal(out)
}

// --- Effects ---

// OnFailure policies for external tool effects.
const (
	OnFailureAbort    = "abort"
	OnFailureContinue = "continue"
	OnFailureIgnore   = "ignore"
)

// ToolRef references a registered tool operation from a transition effect.
type ToolRef struct {
	OperationID int64  `json:"operation_id"`
	OnFailure   string `json:"on_failure,omitempty"`
}

// Policy returns the effective on_failure policy.
func (r ToolRef) Policy() string {
	if r.OnFailure == "" {
		return OnFailureContinue
	}
	return r.OnFailure
}

// InstrumentEffect updates one instrument assignment in place.
type InstrumentEffect struct {
	InstrumentID               int64           `json:"instrument_id"`
	Phase                      string          `json:"phase"`
	SetStatus                  string          `json:"set_status,omitempty"`
	UpdateFeedback             json.RawMessage `json:"update_feedback,omitempty"`
	RecordFeedbackTime         bool            `json:"record_feedback_time,omitempty"`
	RecordConfirmTime          bool            `json:"record_confirm_time,omitempty"`
	RecordApplicantConfirmTime bool            `json:"record_applicant_confirm_time,omitempty"`
}

// Effects is the closed set of side effects applied by a transition.
type Effects struct {
	Phase                  string            `json:"phase,omitempty"`
	SetPhaseStatus         string            `json:"set_phase_status,omitempty"`
	RecordSubmissionTime   bool              `json:"record_submission_time,omitempty"`
	RecordConfirmationTime bool              `json:"record_confirmation_time,omitempty"`
	Instrument             *InstrumentEffect `json:"instrument,omitempty"`
	ExternalTools          []ToolRef         `json:"external_tools,omitempty"`

	// Unknown holds keys outside the closed set; definitions carrying any are
	// rejected at load time.
	Unknown []string `json:"-"`
}

var knownEffectKeys = map[string]bool{
	"phase":                    true,
	"set_phase_status":         true,
	"record_submission_time":   true,
	"record_confirmation_time": true,
	"instrument":               true,
	"external_tools":           true,
}

func (e *Effects) UnmarshalJSON(data []byte) error {
	*e = Effects{}
	if string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("effects: %w", err)
	}
	type plain Effects
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("effects: %w", err)
	}
	*e = Effects(p)
	for key := range raw {
		if !knownEffectKeys[key] {
			e.Unknown = append(e.Unknown, key)
		}
	}
	sort.Strings(e.Unknown)
	return nil
}

// TouchesPhase reports whether any phase-level effect is configured.
func (e Effects) TouchesPhase() bool {
	return e.Phase != "" && (e.SetPhaseStatus != "" || e.RecordSubmissionTime || e.RecordConfirmationTime)
}

// ParseDefinition decodes a workflow definition document.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeInvalidDefinition, "decode workflow definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}
