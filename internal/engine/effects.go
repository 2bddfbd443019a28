package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/xx70235/AstroPropose/internal/mapping"
	"github.com/xx70235/AstroPropose/internal/tools"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Context keys written by effect application.
const (
	ContextToolErrors         = "tool_errors"
	ContextValidationWarnings = "validation_warnings"
	ContextSchedulingFeedback = "scheduling_feedback"
)

// OperationSource loads tool operations referenced by effects.
// Satisfied by store.Store.
type OperationSource interface {
	GetToolOperation(ctx context.Context, id int64) (*schema.ToolOperation, error)
}

// ToolInvoker runs one tool operation. Satisfied by *tools.Invoker.
type ToolInvoker interface {
	Invoke(ctx context.Context, op *schema.ToolOperation, proposal *schema.Proposal, tctx map[string]any, by schema.Invocation) (*tools.Result, error)
}

// ChangeSet lists the records an effect pass touched, so the commit writes
// exactly those.
type ChangeSet struct {
	Phases      []*schema.Phase
	Assignments []*schema.InstrumentAssignment
	DataChanged bool
}

func (cs *ChangeSet) touchPhase(ph *schema.Phase) {
	for _, p := range cs.Phases {
		if p == ph {
			return
		}
	}
	cs.Phases = append(cs.Phases, ph)
}

func (cs *ChangeSet) touchAssignment(a *schema.InstrumentAssignment) {
	for _, x := range cs.Assignments {
		if x == a {
			return
		}
	}
	cs.Assignments = append(cs.Assignments, a)
}

// validationFailures collects blocking validation messages across every
// tool of one effect pass.
type validationFailures struct {
	messages []string
	ops      []string
}

func (v *validationFailures) add(op, msg string) {
	v.ops = append(v.ops, op)
	v.messages = append(v.messages, msg)
}

func (v *validationFailures) err() error {
	if len(v.messages) == 0 {
		return nil
	}
	return schema.NewError(schema.ErrCodeValidationFailed,
		"Validation failed:\n"+strings.Join(v.messages, "\n")).
		WithDetails(map[string]any{
			"messages":   v.messages,
			"operations": v.ops,
		})
}

// EffectApplicator mutates the in-memory proposal aggregate according to a
// transition's effects and invokes its external tools in declared order.
type EffectApplicator struct {
	ops      OperationSource
	invoker  ToolInvoker
	resolver *mapping.Resolver
	now      func() time.Time
	logger   *slog.Logger
}

// NewEffectApplicator creates an applicator. now defaults to time.Now.
func NewEffectApplicator(ops OperationSource, invoker ToolInvoker, resolver *mapping.Resolver, now func() time.Time, logger *slog.Logger) *EffectApplicator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = mapping.NewResolver(nil, logger)
	}
	return &EffectApplicator{ops: ops, invoker: invoker, resolver: resolver, now: now, logger: logger}
}

// Apply runs effects against p. tctx is read and written. On error the
// caller must discard p. Tool traces are recorded as manual runs.
func (a *EffectApplicator) Apply(ctx context.Context, p *schema.Proposal, effects schema.Effects, tctx map[string]any, actor *schema.Actor) (*ChangeSet, error) {
	return a.apply(ctx, p, effects, tctx, actor, invocation(actor, "", schema.TriggerManual))
}

// ApplyTransition runs the effects of t, recording t on every tool trace.
func (a *EffectApplicator) ApplyTransition(ctx context.Context, p *schema.Proposal, t *schema.Transition, tctx map[string]any, actor *schema.Actor) (*ChangeSet, error) {
	return a.apply(ctx, p, t.Effects, tctx, actor, invocation(actor, t.Name, schema.TriggerTransition))
}

func invocation(actor *schema.Actor, transition, trigger string) schema.Invocation {
	by := schema.Invocation{Transition: transition, TriggeredBy: trigger}
	if actor != nil {
		by.ActorID = actor.ID
	}
	return by
}

func (a *EffectApplicator) apply(ctx context.Context, p *schema.Proposal, effects schema.Effects, tctx map[string]any, actor *schema.Actor, by schema.Invocation) (*ChangeSet, error) {
	cs := &ChangeSet{}
	now := a.now().UTC()
	if tctx == nil {
		tctx = map[string]any{}
	}
	if actor != nil {
		a.logger.DebugContext(ctx, "applying effects", slog.Int64("actor_id", actor.ID))
	}

	if effects.TouchesPhase() {
		cs.touchPhase(a.applyPhase(p, effects, now))
	}
	if effects.Instrument != nil {
		if as := a.applyInstrument(ctx, p, effects.Instrument, tctx, now); as != nil {
			cs.touchAssignment(as)
		}
	}

	if len(effects.ExternalTools) == 0 {
		return cs, nil
	}
	changed, err := a.runTools(ctx, p, effects.ExternalTools, tctx, by)
	if err != nil {
		return nil, err
	}
	cs.DataChanged = changed
	return cs, nil
}

func (a *EffectApplicator) applyPhase(p *schema.Proposal, e schema.Effects, now time.Time) *schema.Phase {
	ph := p.FindPhase(e.Phase)
	if ph == nil {
		opened := now
		ph = &schema.Phase{Phase: e.Phase, Status: "draft", OpenedAt: &opened}
		p.Phases = append(p.Phases, ph)
	}
	if e.SetPhaseStatus != "" {
		ph.Status = e.SetPhaseStatus
	}
	if e.RecordSubmissionTime {
		t := now
		ph.SubmittedAt = &t
	}
	if e.RecordConfirmationTime {
		t := now
		ph.ConfirmedAt = &t
	}
	return ph
}

// applyInstrument updates the named assignment in place. A missing
// assignment is skipped.
func (a *EffectApplicator) applyInstrument(ctx context.Context, p *schema.Proposal, e *schema.InstrumentEffect, tctx map[string]any, now time.Time) *schema.InstrumentAssignment {
	as := p.FindAssignment(e.InstrumentID, e.Phase)
	if as == nil {
		a.logger.InfoContext(ctx, "instrument effect skipped: no assignment",
			slog.Int64("instrument_id", e.InstrumentID),
			slog.String("phase", e.Phase),
		)
		return nil
	}
	if e.SetStatus != "" {
		as.Status = e.SetStatus
	}
	if len(e.UpdateFeedback) > 0 {
		if fb, ok := a.feedback(ctx, p, e.UpdateFeedback, tctx); ok {
			as.SchedulingFeedback = fb
		}
	}
	if e.RecordFeedbackTime {
		t := now
		as.FeedbackAt = &t
	}
	if e.RecordConfirmTime {
		t := now
		as.ConfirmedAt = &t
	}
	if e.RecordApplicantConfirmTime {
		t := now
		as.ApplicantConfirmedAt = &t
	}
	return as
}

// feedback resolves update_feedback: true copies context.scheduling_feedback,
// an object is a table of mappings over {proposal, context}. ok is false
// when the stored feedback must be left as it is: update_feedback is false,
// or nothing resolved.
func (a *EffectApplicator) feedback(ctx context.Context, p *schema.Proposal, raw json.RawMessage, tctx map[string]any) (any, bool) {
	var spec any
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, false
	}
	if b, ok := spec.(bool); ok {
		fb := tctx[ContextSchedulingFeedback]
		if !b || fb == nil {
			return nil, false
		}
		return schema.DeepCopy(fb), true
	}
	source := map[string]any{
		"proposal": p.Projection(),
		"context":  tctx,
	}
	if table, ok := spec.(map[string]any); ok {
		if !isMappingWrapper(table) {
			return a.resolver.ResolveMap(ctx, table, source), true
		}
		if _, literal := table["literal"]; literal {
			return a.resolver.Resolve(ctx, spec, source), true
		}
	}
	fb := a.resolver.Resolve(ctx, spec, source)
	return fb, fb != nil
}

func isMappingWrapper(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	for k := range m {
		return k == "literal" || k == "template" || k == "jq"
	}
	return false
}

func (a *EffectApplicator) runTools(ctx context.Context, p *schema.Proposal, refs []schema.ToolRef, tctx map[string]any, by schema.Invocation) (bool, error) {
	var (
		pending     validationFailures
		dataChanged bool
	)
	for _, ref := range refs {
		op, err := a.ops.GetToolOperation(ctx, ref.OperationID)
		if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
			return false, err
		}
		if op == nil || !op.Usable() {
			if err := unavailable(ref, op); err != nil {
				return false, err
			}
			a.logger.WarnContext(ctx, "tool operation unavailable, skipped",
				slog.Int64("operation_id", ref.OperationID),
			)
			continue
		}

		res, err := a.invoker.Invoke(ctx, op, p, tctx, by)
		if err != nil {
			if ref.Policy() == schema.OnFailureAbort {
				return false, schema.NewErrorf(schema.ErrCodeTool,
					"tool %s failed: %s", op.Label(), err.Error()).
					WithCause(err).
					WithDetails(map[string]any{"operation_id": ref.OperationID})
			}
			appendToolError(tctx, ref.OperationID, err.Error())
			continue
		}
		if len(res.MappedOutput) > 0 {
			for k, v := range res.MappedOutput {
				tctx[k] = v
			}
		}
		dataChanged = dataChanged || res.DataChanged

		switch res.Status {
		case tools.StatusValidationFailed:
			if res.BlockTransition {
				pending.add(op.Label(), res.Message)
			} else {
				appendList(tctx, ContextValidationWarnings, res.Message)
			}
		case tools.StatusServiceError:
			if res.BlockTransition {
				return false, schema.NewErrorf(schema.ErrCodeToolService,
					"validation service %s unavailable: %s", op.Label(), res.Message).
					WithDetails(map[string]any{
						"operation_id": ref.OperationID,
						"status_code":  res.StatusCode,
					})
			}
			appendToolError(tctx, ref.OperationID, res.Message)
		case tools.StatusFailed:
			if ref.Policy() == schema.OnFailureAbort {
				return false, schema.NewErrorf(schema.ErrCodeTool,
					"tool %s failed: %s", op.Label(), res.Message).
					WithDetails(map[string]any{
						"operation_id": ref.OperationID,
						"status_code":  res.StatusCode,
					})
			}
			appendToolError(tctx, ref.OperationID, res.Message)
		}
	}
	if err := pending.err(); err != nil {
		return false, err
	}
	return dataChanged, nil
}

// unavailable decides whether a missing or inactive operation aborts the
// transition. op is nil when the operation is not registered.
func unavailable(ref schema.ToolRef, op *schema.ToolOperation) error {
	if ref.Policy() == schema.OnFailureAbort {
		return schema.NewErrorf(schema.ErrCodeTool,
			"tool operation %d is not available", ref.OperationID).
			WithDetails(map[string]any{"operation_id": ref.OperationID})
	}
	if op != nil && op.IsValidation() && op.ValidationConfig.BlocksOnServiceError() {
		return schema.NewErrorf(schema.ErrCodeToolService,
			"validation service %s is not available", op.Label()).
			WithDetails(map[string]any{"operation_id": ref.OperationID})
	}
	return nil
}

func appendToolError(tctx map[string]any, operationID int64, msg string) {
	appendList(tctx, ContextToolErrors, map[string]any{
		"operation_id": operationID,
		"error":        msg,
	})
}

// appendList appends item to the list under key. A typed slice already
// there is widened to []any and any other value becomes the first element.
func appendList(tctx map[string]any, key string, item any) {
	tctx[key] = append(asList(tctx[key]), item)
}

func asList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len(), rv.Len()+1)
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
