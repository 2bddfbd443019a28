package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// conditionCostLimit bounds the work a single transition condition may do.
const conditionCostLimit = 100_000

// CELEngine evaluates the "expression" predicate of transition conditions.
// Conditions see two variables, both map(string, dyn):
//
//	proposal  the proposal projection (id, title, status, author, data, ...)
//	context   the request-scoped transition context
//
// The string and math extensions are enabled, so conditions such as
// `proposal.title.lowerAscii().contains("survey")` or
// `math.greatest(proposal.data.hours, 1.0) < 40.0` compile.
type CELEngine struct {
	env   *cel.Env
	progs *programCache[cel.Program]
}

var celVariables = []string{"proposal", "context"}

// NewCELEngine creates a CEL engine whose environment only declares the
// condition variables.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := []cel.EnvOption{ext.Strings(), ext.Math()}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, progs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs a condition against data. Missing condition variables are
// bound to empty maps, so `!has(context.flag)` holds with no context.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}
	prg, err := e.progs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			vars[key] = v
		} else {
			vars[key] = map[string]any{}
		}
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, exprError("CEL evaluation failed for %q", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a predicate. Non-boolean results are an error.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return asBool("CEL", expression, out)
}

// Compile checks an expression without evaluating it. Definitions are
// checked with it when they are loaded.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.progs.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, exprError("CEL compile error in %q", expression, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.CostLimit(conditionCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, exprError("CEL program error for %q", expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
