package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

type interpMockVault struct {
	secrets map[string][]byte
	err     error
}

func (v *interpMockVault) Resolve(_ context.Context, key string) ([]byte, error) {
	if v.err != nil {
		return nil, v.err
	}
	val, ok := v.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return val, nil
}

func (v *interpMockVault) Store(_ context.Context, key string, value []byte) error {
	v.secrets[key] = value
	return nil
}

func (v *interpMockVault) Delete(_ context.Context, key string) error {
	delete(v.secrets, key)
	return nil
}

func (v *interpMockVault) List(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(v.secrets))
	for k := range v.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestInterpolator_ResolvesSecrets(t *testing.T) {
	interp := NewInterpolator(&interpMockVault{secrets: map[string][]byte{"VIS_TOKEN": []byte("abc123")}})

	out, err := interp.ResolveString(context.Background(), "Bearer ${{ secrets.VIS_TOKEN }}")
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", out)
}

func TestInterpolator_PlainStringsUntouched(t *testing.T) {
	interp := NewInterpolator(nil)
	out, err := interp.ResolveString(context.Background(), "static-key")
	require.NoError(t, err)
	assert.Equal(t, "static-key", out)
}

func TestInterpolator_ResolveStrings(t *testing.T) {
	interp := NewInterpolator(&interpMockVault{secrets: map[string][]byte{"K": []byte("v")}})
	out, err := interp.ResolveStrings(context.Background(), map[string]string{
		"key_name":  "X-API-Key",
		"key_value": "${{secrets.K}}",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"key_name": "X-API-Key", "key_value": "v"}, out)
}

func TestInterpolator_Errors(t *testing.T) {
	ctx := context.Background()
	interp := NewInterpolator(&interpMockVault{secrets: map[string][]byte{}})

	_, err := interp.ResolveString(ctx, "${{secrets.K")
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = interp.ResolveString(ctx, "${{context.x}}")
	assert.Contains(t, err.Error(), "expected secrets.<KEY>")

	_, err = interp.ResolveString(ctx, "${{secrets.MISSING}}")
	assert.Contains(t, err.Error(), `failed to resolve secret "MISSING"`)

	_, err = NewInterpolator(nil).ResolveString(ctx, "${{secrets.K}}")
	assert.Contains(t, err.Error(), "no vault configured")

	boom := errors.New("boom")
	_, err = NewInterpolator(&interpMockVault{err: boom}).ResolveString(ctx, "${{secrets.K}}")
	assert.ErrorIs(t, err, boom)
}
