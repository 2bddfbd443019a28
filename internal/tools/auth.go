package tools

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Redacted replaces sensitive header values in persisted traces.
const Redacted = "***REDACTED***"

const defaultAPIKeyHeader = "X-API-Key"

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
}

// SanitizeHeaders returns a copy of headers with credentials redacted. The
// well-known auth headers are always redacted; extra names the same way,
// matched case-insensitively.
func SanitizeHeaders(headers map[string]string, extra ...string) map[string]string {
	if headers == nil {
		return nil
	}
	secret := make(map[string]bool, len(extra))
	for _, name := range extra {
		secret[strings.ToLower(name)] = true
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		lower := strings.ToLower(k)
		if sensitiveHeaders[lower] || secret[lower] {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// applyAuth adds the tool's authentication header to headers and returns the
// names it set. Secret references in the auth config are resolved first.
func applyAuth(ctx context.Context, interp *expressions.Interpolator, tool *schema.ExternalTool, headers map[string]string) ([]string, error) {
	if tool == nil {
		return nil, nil
	}
	cfg, err := interp.ResolveStrings(ctx, tool.AuthConfig)
	if err != nil {
		return nil, err
	}
	switch tool.AuthType {
	case schema.AuthBearer:
		headers["Authorization"] = "Bearer " + cfg["token"]
		return []string{"Authorization"}, nil
	case schema.AuthAPIKey:
		name := cfg["key_name"]
		if name == "" {
			name = defaultAPIKeyHeader
		}
		headers[name] = cfg["key_value"]
		return []string{name}, nil
	case schema.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(cfg["username"] + ":" + cfg["password"]))
		headers["Authorization"] = "Basic " + creds
		return []string{"Authorization"}, nil
	}
	return nil, nil
}
