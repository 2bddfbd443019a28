package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/internal/tools"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// ConditionEvaluator checks transition preconditions against the proposal
// aggregate and the request context. It fails closed.
type ConditionEvaluator struct {
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// NewConditionEvaluator creates an evaluator. cel may be nil, in which case
// expression predicates never hold.
func NewConditionEvaluator(cel *expressions.CELEngine, logger *slog.Logger) *ConditionEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{cel: cel, logger: logger}
}

// Evaluate reports whether every predicate in c holds. When one does not,
// reason names it.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, c schema.Conditions, p *schema.Proposal, tctx map[string]any) (ok bool, reason string) {
	if c.Empty() {
		return true, ""
	}
	if len(c.Unknown) > 0 {
		return false, fmt.Sprintf("unsupported condition %s", strings.Join(c.Unknown, ", "))
	}

	if ps := c.PhaseStatus; ps != nil {
		ph := p.FindPhase(ps.Phase)
		switch {
		case ph == nil:
			return false, fmt.Sprintf("phase %s does not exist", ps.Phase)
		case ph.Status != ps.Status:
			return false, fmt.Sprintf("phase %s is %q, need %q", ps.Phase, ph.Status, ps.Status)
		}
	}

	if is := c.InstrumentStatus; is != nil {
		a := p.FindAssignment(is.InstrumentID, is.Phase)
		switch {
		case a == nil:
			return false, fmt.Sprintf("instrument %d has no %s assignment", is.InstrumentID, is.Phase)
		case a.Status != is.Status:
			return false, fmt.Sprintf("instrument %d in %s is %q, need %q", is.InstrumentID, is.Phase, a.Status, is.Status)
		}
	}

	keys := make([]string, 0, len(c.Context))
	for k := range c.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !tools.Compare(tctx[key], schema.OpEqual, c.Context[key]) {
			return false, fmt.Sprintf("context.%s does not match", key)
		}
	}

	if c.Expression != "" {
		if !e.expressionHolds(ctx, c.Expression, p, tctx) {
			return false, fmt.Sprintf("expression %q is not satisfied", c.Expression)
		}
	}
	return true, ""
}

func (e *ConditionEvaluator) expressionHolds(ctx context.Context, expr string, p *schema.Proposal, tctx map[string]any) bool {
	if e.cel == nil {
		return false
	}
	if tctx == nil {
		tctx = map[string]any{}
	}
	ok, err := e.cel.EvaluateBool(ctx, expr, map[string]any{
		"proposal": p.Projection(),
		"context":  tctx,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "condition expression failed",
			slog.String("expression", expr),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}
