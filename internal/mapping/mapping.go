// Package mapping resolves tool input/output mappings against a nested,
// JSON-shaped data source.
//
// A mapping is one of:
//
//	{"literal": v}             v, unchanged
//	{"template": "x {a.b}"}    string with {path} placeholders substituted
//	{"jq": ".a | length"}      result of a jq query over the data source
//	"a.b.0.c"                  dotted path lookup (numeric segments index lists)
//	"Proposal {a.b}"           a bare string with placeholders is a template
//
// Absent data never fails: lookups short-circuit to nil and placeholders
// render nil as the empty string.
package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/xx70235/AstroPropose/internal/expressions"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Resolver resolves mappings. The zero value handles every form except jq.
type Resolver struct {
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewResolver creates a Resolver that evaluates jq mappings with the given engine.
func NewResolver(jq *expressions.GoJQEngine, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{jq: jq, logger: logger}
}

// Resolve returns the value a mapping selects from source.
func (r *Resolver) Resolve(ctx context.Context, m any, source map[string]any) any {
	switch v := m.(type) {
	case map[string]any:
		if lit, ok := v["literal"]; ok {
			return lit
		}
		if tmpl, ok := v["template"].(string); ok {
			return Render(tmpl, source)
		}
		if query, ok := v["jq"].(string); ok {
			return r.evalJQ(ctx, query, source)
		}
		return v
	case string:
		if IsTemplate(v) {
			return Render(v, source)
		}
		return Lookup(source, v)
	default:
		return m
	}
}

// ResolveMap resolves every entry of a mapping table.
func (r *Resolver) ResolveMap(ctx context.Context, table map[string]any, source map[string]any) map[string]any {
	out := make(map[string]any, len(table))
	for k, m := range table {
		out[k] = r.Resolve(ctx, m, source)
	}
	return out
}

func (r *Resolver) evalJQ(ctx context.Context, query string, source map[string]any) any {
	if r == nil || r.jq == nil {
		return nil
	}
	out, err := r.jq.Evaluate(ctx, query, source)
	if err != nil {
		r.logger.DebugContext(ctx, "jq mapping resolved to nil",
			slog.String("query", query),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return out
}

// IsTemplate reports whether s carries at least one {path} placeholder.
func IsTemplate(s string) bool {
	return placeholderRe.MatchString(s)
}

// Render substitutes each {path} placeholder in tmpl with the string form of
// the value found at path. Missing values render as "".
func Render(tmpl string, source map[string]any) string {
	return RenderWith(tmpl, func(path string) (any, bool) {
		v := Lookup(source, path)
		return v, v != nil
	}, "")
}

// RenderWith substitutes placeholders using lookup; unresolved placeholders
// render as missing.
func RenderWith(tmpl string, lookup func(path string) (any, bool), missing string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(match[1 : len(match)-1])
		v, ok := lookup(path)
		if !ok || v == nil {
			return missing
		}
		return Stringify(v)
	})
}

// Lookup walks source along a dotted path. Any missing key, out-of-range
// index or scalar mid-path yields nil.
func Lookup(source any, path string) any {
	if path == "" {
		return nil
	}
	current := source
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil
			}
			current = v
		case map[string]string:
			v, ok := node[key]
			if !ok {
				return nil
			}
			current = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			current = node[i]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}

// Stringify renders a resolved value the way it appears in URLs, headers
// and templates.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
