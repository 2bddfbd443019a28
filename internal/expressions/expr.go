package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// ExprEngine evaluates validation failure conditions written as expressions
// over a tool response, e.g. `response.airmass > 2 || response.moon_distance < 30`.
// Programs are compiled once against a fixed environment in which
// "response" is a JSON object; other names resolve to nil.
type ExprEngine struct {
	progs *programCache[*vm.Program]
}

var validationEnv = map[string]any{
	"response": map[string]any{},
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{progs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, exprError("expr evaluation cancelled for %q", expression, err)
	}
	prg, err := e.progs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, exprError("expr evaluation failed for %q", expression, err)
	}
	return out, nil
}

// EvaluateBool evaluates an expression that must produce a boolean.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return asBool("expr", expression, out)
}

// Compile checks an expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.progs.get(expression, compileExpr)
	return err
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(validationEnv),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, exprError("expr compile error in %q", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
