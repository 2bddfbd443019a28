package schema

import (
	"encoding/json"
	"time"
)

// User is the author identity exposed to tool mappings.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Actor is the identity requesting a transition.
type Actor struct {
	ID       int64    `json:"id"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
}

// SystemActorRole is granted to the scheduler's actor.
const SystemActorRole = "System"

// Phase is one phase record of a proposal.
type Phase struct {
	ID          int64          `json:"id,omitempty"`
	Phase       string         `json:"phase"`
	Status      string         `json:"status"`
	Payload     map[string]any `json:"payload,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	OpenedAt    *time.Time     `json:"opened_at,omitempty"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
}

// InstrumentAssignment ties a proposal to an instrument within a phase.
type InstrumentAssignment struct {
	ID                   int64          `json:"id,omitempty"`
	InstrumentID         int64          `json:"instrument_id"`
	InstrumentCode       string         `json:"code,omitempty"`
	Phase                string         `json:"phase"`
	Status               string         `json:"status"`
	FormData             map[string]any `json:"form_data,omitempty"`
	SchedulingFeedback   any            `json:"scheduling_feedback,omitempty"`
	FeedbackAt           *time.Time     `json:"feedback_at,omitempty"`
	ConfirmedAt          *time.Time     `json:"confirmed_at,omitempty"`
	ApplicantConfirmedAt *time.Time     `json:"applicant_confirmed_at,omitempty"`
}

// Proposal is the aggregate the engine transitions.
type Proposal struct {
	ID             int64                   `json:"id"`
	Title          string                  `json:"title"`
	Abstract       string                  `json:"abstract,omitempty"`
	ProposalTypeID int64                   `json:"proposal_type_id"`
	WorkflowID     int64                   `json:"workflow_id"`
	CurrentStateID int64                   `json:"current_state_id"`
	CurrentState   string                  `json:"current_state"`
	Data           map[string]any          `json:"data,omitempty"`
	Author         User                    `json:"author"`
	Phases         []*Phase                `json:"phases,omitempty"`
	Instruments    []*InstrumentAssignment `json:"instruments,omitempty"`
}

// FindPhase returns the phase record with the given label, or nil.
func (p *Proposal) FindPhase(name string) *Phase {
	for _, ph := range p.Phases {
		if ph.Phase == name {
			return ph
		}
	}
	return nil
}

// FindAssignment returns the assignment for (instrumentID, phase), or nil.
func (p *Proposal) FindAssignment(instrumentID int64, phase string) *InstrumentAssignment {
	for _, a := range p.Instruments {
		if a.InstrumentID == instrumentID && a.Phase == phase {
			return a
		}
	}
	return nil
}

// Projection returns a read-only snapshot of the proposal in the shape tool
// mappings address ("proposal.status", "proposal.author.username", ...).
// The snapshot shares no mutable state with p.
func (p *Proposal) Projection() map[string]any {
	phases := make([]any, 0, len(p.Phases))
	for _, ph := range p.Phases {
		phases = append(phases, map[string]any{
			"phase":        ph.Phase,
			"status":       ph.Status,
			"payload":      DeepCopy(ph.Payload),
			"submitted_at": timeString(ph.SubmittedAt),
			"confirmed_at": timeString(ph.ConfirmedAt),
		})
	}
	instruments := make([]any, 0, len(p.Instruments))
	for _, a := range p.Instruments {
		instruments = append(instruments, map[string]any{
			"instrument_id":       a.InstrumentID,
			"code":                a.InstrumentCode,
			"phase":               a.Phase,
			"status":              a.Status,
			"form_data":           DeepCopy(a.FormData),
			"scheduling_feedback": DeepCopy(a.SchedulingFeedback),
		})
	}
	data := DeepCopy(p.Data)
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"id":       p.ID,
		"title":    p.Title,
		"abstract": p.Abstract,
		"status":   p.CurrentState,
		"data":     data,
		"author": map[string]any{
			"id":       p.Author.ID,
			"username": p.Author.Username,
			"email":    p.Author.Email,
		},
		"phases":      phases,
		"instruments": instruments,
	}
}

// DeepCopy duplicates JSON-shaped values (maps, slices, scalars).
// Other types are returned as-is.
func DeepCopy[T any](v T) T {
	out, ok := deepCopyValue(v).(T)
	if !ok {
		return v
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	default:
		return v
	}
}

func timeString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
