package expressions

import (
	"context"
	"strings"

	"github.com/xx70235/AstroPropose/internal/secrets"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Interpolator resolves ${{secrets.KEY}} references inside tool
// configuration strings (auth tokens, API keys, default headers).
type Interpolator struct {
	vault secrets.Vault
}

// NewInterpolator creates an Interpolator. A nil vault leaves strings without
// references untouched and fails on any reference.
func NewInterpolator(vault secrets.Vault) *Interpolator {
	return &Interpolator{vault: vault}
}

// HasInterpolation reports whether s contains a ${{ marker.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

// ResolveString replaces every ${{secrets.KEY}} token in s.
func (interp *Interpolator) ResolveString(ctx context.Context, s string) (string, error) {
	if !HasInterpolation(s) {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeVault, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(s[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeVault,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveSecret(ctx, ref)
		if err != nil {
			return "", err
		}
		result.WriteString(val)
		i = end + 2
	}

	return result.String(), nil
}

// ResolveStrings resolves every value of m into a new map.
func (interp *Interpolator) ResolveStrings(ctx context.Context, m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return m, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := interp.ResolveString(ctx, v)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func (interp *Interpolator) resolveSecret(ctx context.Context, ref string) (string, error) {
	namespace, key, _ := strings.Cut(ref, ".")
	if namespace != "secrets" || key == "" {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"invalid reference %q: expected secrets.<KEY>", ref).
			WithDetails(map[string]any{"expression": ref})
	}

	if interp.vault == nil {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"cannot resolve secret %q: no vault configured", key)
	}

	val, err := interp.vault.Resolve(ctx, key)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"failed to resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return string(val), nil
}
