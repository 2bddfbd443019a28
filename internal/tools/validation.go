package tools

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/internal/mapping"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// ValidationOutcome is the verdict of a validation operation.
type ValidationOutcome struct {
	Valid   bool
	Message string
}

// missingPlaceholder fills template placeholders that resolve to nothing.
const missingPlaceholder = "N/A"

// ValidationInterpreter classifies validation responses.
type ValidationInterpreter struct {
	expr   *expressions.ExprEngine
	logger *slog.Logger
}

// NewValidationInterpreter creates an interpreter. expr may be nil, in which
// case expression conditions never match.
func NewValidationInterpreter(expr *expressions.ExprEngine, logger *slog.Logger) *ValidationInterpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationInterpreter{expr: expr, logger: logger}
}

// Check evaluates cfg's failure conditions against a response body. The first
// condition that matches fails validation.
func (v *ValidationInterpreter) Check(ctx context.Context, cfg *schema.ValidationConfig, body any, statusCode int) ValidationOutcome {
	var conditions []schema.FailureCondition
	if cfg != nil {
		conditions = cfg.FailureConditions
	}
	if len(conditions) == 0 {
		if statusCode >= 200 && statusCode < 300 {
			return ValidationOutcome{Valid: true}
		}
		return ValidationOutcome{Message: fmt.Sprintf("Validation service returned status %d", statusCode)}
	}

	source := map[string]any{"response": body}
	for _, cond := range conditions {
		matched, actual := v.matches(ctx, cond, source)
		if !matched {
			continue
		}
		return ValidationOutcome{Message: formatValidationMessage(cfg.Template(), source, cond, actual)}
	}
	return ValidationOutcome{Valid: true}
}

func (v *ValidationInterpreter) matches(ctx context.Context, cond schema.FailureCondition, source map[string]any) (bool, any) {
	if cond.Expression != "" {
		if v.expr == nil {
			return false, nil
		}
		ok, err := v.expr.EvaluateBool(ctx, cond.Expression, source)
		if err != nil {
			v.logger.WarnContext(ctx, "validation expression failed",
				slog.String("expression", cond.Expression),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		return ok, nil
	}
	op := cond.Operator
	if op == "" {
		op = schema.OpEqual
	}
	actual := mapping.Lookup(source, cond.Path)
	return Compare(actual, op, cond.Value), actual
}

// formatValidationMessage substitutes {response.x} placeholders. When nothing
// was substituted it reports the failing path and value instead.
func formatValidationMessage(tmpl string, source map[string]any, cond schema.FailureCondition, actual any) string {
	msg := mapping.RenderWith(tmpl, func(path string) (any, bool) {
		val := mapping.Lookup(source, path)
		return val, val != nil
	}, missingPlaceholder)
	if msg != tmpl {
		return msg
	}
	if cond.Expression != "" {
		return fmt.Sprintf("Validation failed: %s", cond.Expression)
	}
	return fmt.Sprintf("Validation failed: %s = %s", cond.Path, displayValue(actual))
}

func displayValue(v any) string {
	if v == nil {
		return "null"
	}
	return mapping.Stringify(v)
}

// Compare applies a failure-condition operator. Values that cannot be
// compared never match.
func Compare(actual any, operator string, expected any) bool {
	switch operator {
	case schema.OpEqual:
		return looseEqual(actual, expected)
	case schema.OpNotEqual:
		return !looseEqual(actual, expected)
	case schema.OpGreater:
		c, ok := order(actual, expected)
		return ok && c > 0
	case schema.OpLess:
		c, ok := order(actual, expected)
		return ok && c < 0
	case schema.OpIn:
		return contains(expected, actual)
	case schema.OpNotIn:
		return !contains(expected, actual)
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa > fb:
			return 1, true
		case fa < fb:
			return -1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

// contains reports whether needle is in haystack: list membership, map key
// presence or substring.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == s {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := h[s]
		return found
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
