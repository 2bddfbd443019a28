package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

type staticVault map[string]string

func (v staticVault) Resolve(_ context.Context, key string) ([]byte, error) {
	s, ok := v[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(s), nil
}
func (v staticVault) Store(context.Context, string, []byte) error { return nil }
func (v staticVault) Delete(context.Context, string) error        { return nil }
func (v staticVault) List(context.Context) ([]string, error)      { return nil, nil }

func TestApplyAuth(t *testing.T) {
	interp := expressions.NewInterpolator(staticVault{"VIS_TOKEN": "tok-1"})
	ctx := context.Background()

	tests := []struct {
		name   string
		tool   *schema.ExternalTool
		header string
		want   string
	}{
		{
			name:   "bearer with secret",
			tool:   &schema.ExternalTool{AuthType: schema.AuthBearer, AuthConfig: map[string]string{"token": "${{secrets.VIS_TOKEN}}"}},
			header: "Authorization",
			want:   "Bearer tok-1",
		},
		{
			name:   "api key default header",
			tool:   &schema.ExternalTool{AuthType: schema.AuthAPIKey, AuthConfig: map[string]string{"key_value": "abc"}},
			header: "X-API-Key",
			want:   "abc",
		},
		{
			name:   "api key custom header",
			tool:   &schema.ExternalTool{AuthType: schema.AuthAPIKey, AuthConfig: map[string]string{"key_name": "X-Token", "key_value": "abc"}},
			header: "X-Token",
			want:   "abc",
		},
		{
			name:   "basic",
			tool:   &schema.ExternalTool{AuthType: schema.AuthBasic, AuthConfig: map[string]string{"username": "u", "password": "p"}},
			header: "Authorization",
			want:   "Basic dTpw",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			set, err := applyAuth(ctx, interp, tt.tool, headers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, headers[tt.header])
			assert.Equal(t, []string{tt.header}, set)
		})
	}
}

func TestApplyAuth_NoneAddsNothing(t *testing.T) {
	headers := map[string]string{}
	set, err := applyAuth(context.Background(), expressions.NewInterpolator(nil), &schema.ExternalTool{AuthType: schema.AuthNone}, headers)
	require.NoError(t, err)
	assert.Empty(t, headers)
	assert.Empty(t, set)
}

func TestApplyAuth_MissingSecret(t *testing.T) {
	tool := &schema.ExternalTool{AuthType: schema.AuthBearer, AuthConfig: map[string]string{"token": "${{secrets.NOPE}}"}}
	_, err := applyAuth(context.Background(), expressions.NewInterpolator(staticVault{}), tool, map[string]string{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestSanitizeHeaders(t *testing.T) {
	assert.Nil(t, SanitizeHeaders(nil))
	out := SanitizeHeaders(map[string]string{"AUTHORIZATION": "x", "Api-Key": "y", "X-Other": "z"})
	assert.Equal(t, Redacted, out["AUTHORIZATION"])
	assert.Equal(t, Redacted, out["Api-Key"])
	assert.Equal(t, "z", out["X-Other"])

	out = SanitizeHeaders(map[string]string{"X-Token": "s3cret", "X-Other": "z"}, "x-token")
	assert.Equal(t, Redacted, out["X-Token"])
	assert.Equal(t, "z", out["X-Other"])
}

func TestRateLimiters(t *testing.T) {
	l := NewRateLimiters()
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, &schema.ExternalTool{ID: 1}))
	require.NoError(t, l.Wait(ctx, nil))

	tool := &schema.ExternalTool{ID: 2, Name: "slow", RateLimit: &schema.RateLimit{RequestsPerSecond: 0.001}}
	require.NoError(t, l.Wait(ctx, tool))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := l.Wait(short, tool)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRateLimited))

	var nilSet *RateLimiters
	assert.NoError(t, nilSet.Wait(ctx, tool))
}
