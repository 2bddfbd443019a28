package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Engine evaluates an expression against a JSON-shaped data map.
// Three implementations: CEL (transition conditions), GoJQ (mapping
// queries), Expr (validation failure triggers).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a program is compiled at most once per expression
// unless compilation fails.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.progs[expression] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// exprError builds the EXPRESSION_ERROR returned by every engine, e.g.
// exprError("CEL compile error in %q", src, err).
func exprError(format, expression string, cause error) *schema.Error {
	msg := fmt.Sprintf(format, expression)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	e := schema.NewError(schema.ErrCodeExpression, msg).
		WithDetails(map[string]any{"expression": expression})
	if cause != nil {
		e = e.WithCause(cause)
	}
	return e
}

// asBool narrows an evaluation result to a predicate verdict.
func asBool(lang, expression string, out any) (bool, error) {
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", lang, expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
