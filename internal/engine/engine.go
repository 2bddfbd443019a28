// Package engine executes named workflow transitions on proposals: it finds
// the transition, checks its conditions and roles, applies its effects and
// commits the new state atomically.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/internal/logging"
	"github.com/xx70235/AstroPropose/internal/mapping"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/internal/validation"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Repository is the persistence the engine needs. Satisfied by store.Store.
type Repository interface {
	OperationSource
	GetProposal(ctx context.Context, id int64) (*schema.Proposal, error)
	GetWorkflow(ctx context.Context, id int64) (*store.Workflow, error)
	CommitTransition(ctx context.Context, commit *store.TransitionCommit) error
}

// Observer receives one callback per transition attempt. outcome is
// "success" or the error code.
type Observer interface {
	ObserveTransition(action, outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(string, string, time.Duration) {}

// TransitionResult is returned by a successful ExecuteTransition.
type TransitionResult struct {
	Status     string         `json:"status"`
	ProposalID int64          `json:"proposal_id"`
	Action     string         `json:"action"`
	FromState  string         `json:"from_state"`
	NewState   string         `json:"new_state"`
	Context    map[string]any `json:"context,omitempty"`
}

// AllowedAction is one entry of the next-action menu.
type AllowedAction struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	To    string `json:"to"`
}

// Deps wires an Engine.
type Deps struct {
	Store     Repository
	Invoker   ToolInvoker
	Validator validation.Validator
	CEL       *expressions.CELEngine
	Resolver  *mapping.Resolver
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine is safe for concurrent use. Transitions on one proposal are
// serialized; different proposals proceed in parallel.
type Engine struct {
	store      Repository
	defs       *DefinitionCache
	conditions *ConditionEvaluator
	effects    *EffectApplicator
	invoker    ToolInvoker
	locks      *proposalLocks
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	return &Engine{
		store:      deps.Store,
		defs:       NewDefinitionCache(deps.Validator),
		conditions: NewConditionEvaluator(deps.CEL, deps.Logger),
		effects:    NewEffectApplicator(deps.Store, deps.Invoker, deps.Resolver, deps.Now, deps.Logger),
		invoker:    deps.Invoker,
		locks:      newProposalLocks(),
		observer:   deps.Observer,
		logger:     deps.Logger,
		now:        deps.Now,
	}
}

// Definitions exposes the definition cache.
func (e *Engine) Definitions() *DefinitionCache {
	return e.defs
}

// ExecuteTransition runs action on a proposal. tctx is the request-scoped
// context; it may be nil. Any error leaves the stored proposal unchanged.
func (e *Engine) ExecuteTransition(ctx context.Context, proposalID int64, action string, actor *schema.Actor, tctx map[string]any) (res *TransitionResult, err error) {
	ctx = logging.WithIDs(ctx, proposalID, action)
	start := e.now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = schema.CodeOf(err)
			if outcome == "" {
				outcome = "error"
			}
			e.logger.WarnContext(ctx, "transition rejected",
				slog.String("code", outcome),
				slog.String("error", err.Error()),
			)
		}
		e.observer.ObserveTransition(action, outcome, e.now().Sub(start))
	}()

	release, err := e.locks.acquire(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	defer release()

	p, wf, def, err := e.load(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	t, err := findTransition(def, action, p.CurrentState)
	if err != nil {
		return nil, err
	}

	if tctx == nil {
		tctx = map[string]any{}
	}
	if ok, reason := e.conditions.Evaluate(ctx, t.Conditions, p, tctx); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConditionFailed,
			"Transition conditions not met: %s", reason).
			WithDetails(map[string]any{"transition": action, "reason": reason})
	}
	if err := Authorize(t, actorRoles(actor)); err != nil {
		return nil, err
	}

	toID, ok := wf.StateID(t.To)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflow,
			"state %q is not registered for workflow %d", t.To, wf.ID)
	}
	fromID, fromState := p.CurrentStateID, p.CurrentState
	p.CurrentStateID, p.CurrentState = toID, t.To

	changes, err := e.effects.ApplyTransition(ctx, p, t, tctx, actor)
	if err != nil {
		return nil, err
	}

	var actorID int64
	if actor != nil {
		actorID = actor.ID
	}
	commit := &store.TransitionCommit{
		ProposalID:  proposalID,
		FromStateID: fromID,
		ToStateID:   toID,
		Data:        p.Data,
		DataChanged: changes.DataChanged,
		Phases:      changes.Phases,
		Assignments: changes.Assignments,
		Event: &schema.TransitionEvent{
			ProposalID: proposalID,
			Transition: action,
			FromState:  fromState,
			ToState:    t.To,
			ActorID:    actorID,
			Context:    schema.DeepCopy(tctx),
			CreatedAt:  e.now().UTC(),
		},
	}
	if err := e.store.CommitTransition(ctx, commit); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "transition committed",
		slog.String("from", fromState),
		slog.String("to", t.To),
		slog.Int("phases", len(changes.Phases)),
		slog.Int("assignments", len(changes.Assignments)),
	)
	return &TransitionResult{
		Status:     "success",
		ProposalID: proposalID,
		Action:     action,
		FromState:  fromState,
		NewState:   t.To,
		Context:    tctx,
	}, nil
}

// AllowedActions lists the transitions actor may take from the proposal's
// current state, with conditions evaluated against an empty context.
func (e *Engine) AllowedActions(ctx context.Context, proposalID int64, actor *schema.Actor) ([]AllowedAction, error) {
	ctx = logging.WithProposalID(ctx, proposalID)
	p, _, def, err := e.load(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	roles := actorRoles(actor)
	out := make([]AllowedAction, 0)
	for _, t := range def.OutgoingFrom(p.CurrentState) {
		if !permits(&t, roles) {
			continue
		}
		if ok, _ := e.conditions.Evaluate(ctx, t.Conditions, p, map[string]any{}); !ok {
			continue
		}
		label := t.Label
		if label == "" {
			label = t.Name
		}
		out = append(out, AllowedAction{Name: t.Name, Label: label, To: t.To})
	}
	return out, nil
}

func (e *Engine) load(ctx context.Context, proposalID int64) (*schema.Proposal, *store.Workflow, *schema.WorkflowDefinition, error) {
	p, err := e.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, nil, nil, err
	}
	wf, err := e.store.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	def, err := e.defs.Get(wf)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, wf, def, nil
}

func findTransition(def *schema.WorkflowDefinition, action, current string) (*schema.Transition, error) {
	t := def.FindTransition(action)
	if t == nil {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflow,
			"Transition %q not defined in workflow", action).
			WithDetails(map[string]any{"transition": action})
	}
	if t.From != current {
		return nil, schema.NewError(schema.ErrCodeWorkflow,
			fmt.Sprintf("Invalid from state: proposal is in %q, transition %q starts at %q", current, action, t.From)).
			WithDetails(map[string]any{
				"transition":    action,
				"current_state": current,
				"from_state":    t.From,
			})
	}
	return t, nil
}

func actorRoles(actor *schema.Actor) []string {
	if actor == nil {
		return nil
	}
	return actor.Roles
}
