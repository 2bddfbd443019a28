package schema

import (
	"encoding/json"
	"time"
)

// Authentication schemes supported by external tools.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
)

// OperationKind tags what an operation is used for.
type OperationKind string

const (
	KindValidation     OperationKind = "validation"
	KindNotification   OperationKind = "notification"
	KindDataProcessing OperationKind = "data_processing"
	KindOther          OperationKind = "other"
)

// RateLimit bounds outbound calls to one tool.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst,omitempty"`
}

// ExternalTool is a registered remote service.
type ExternalTool struct {
	ID             int64             `json:"id"`
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	AuthType       string            `json:"auth_type"`
	AuthConfig     map[string]string `json:"auth_config,omitempty"`
	DefaultHeaders map[string]string `json:"default_headers,omitempty"`
	RateLimit      *RateLimit        `json:"rate_limit,omitempty"`
	IsActive       bool              `json:"is_active"`
}

// InputMapping maps the {proposal, context} data source to request parts.
type InputMapping struct {
	PathParams  map[string]any `json:"path,omitempty"`
	QueryParams map[string]any `json:"query,omitempty"`
	Body        map[string]any `json:"body,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
}

// OutputMapping maps the {response} data source back into the transition.
type OutputMapping struct {
	ToContext      map[string]any `json:"to_context,omitempty"`
	ToProposalData map[string]any `json:"to_proposal_data,omitempty"`
}

// Retry defaults applied when an operation omits them.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelaySecs = 5.0
	DefaultTimeoutSecs    = 30
)

// DefaultRetryableStatusCodes are retried when an operation lists none.
var DefaultRetryableStatusCodes = []int{500, 502, 503, 504}

// RetryPolicy controls the invoker's retry loop.
type RetryPolicy struct {
	MaxRetries           int     `json:"max_retries"`
	RetryDelay           float64 `json:"retry_delay"`
	RetryableStatusCodes []int   `json:"retryable_status_codes"`
}

// DefaultRetryPolicy returns the policy used for omitted fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:           DefaultMaxRetries,
		RetryDelay:           DefaultRetryDelaySecs,
		RetryableStatusCodes: append([]int(nil), DefaultRetryableStatusCodes...),
	}
}

// UnmarshalJSON fills omitted fields with defaults and accepts the legacy
// "retryable_codes" key.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	type plain RetryPolicy
	def := DefaultRetryPolicy()
	aux := struct {
		plain
		Legacy []int `json:"retryable_codes"`
	}{plain: plain{MaxRetries: def.MaxRetries, RetryDelay: def.RetryDelay}}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = RetryPolicy(aux.plain)
	switch {
	case p.RetryableStatusCodes != nil:
	case aux.Legacy != nil:
		p.RetryableStatusCodes = aux.Legacy
	default:
		p.RetryableStatusCodes = def.RetryableStatusCodes
	}
	return nil
}

// Retryable reports whether status is in the retryable set.
func (p RetryPolicy) Retryable(status int) bool {
	for _, c := range p.RetryableStatusCodes {
		if c == status {
			return true
		}
	}
	return false
}

// Delay returns retry_delay as a duration.
func (p RetryPolicy) Delay() time.Duration {
	return time.Duration(p.RetryDelay * float64(time.Second))
}

// Failure condition operators.
const (
	OpEqual    = "=="
	OpNotEqual = "!="
	OpGreater  = ">"
	OpLess     = "<"
	OpIn       = "in"
	OpNotIn    = "not_in"
)

// FailureCondition describes a failure trigger evaluated against a
// validation response. Expression, when set, replaces Path/Operator/Value.
type FailureCondition struct {
	Path       string `json:"path,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// DefaultErrorMessageTemplate is used when a validation operation sets none.
const DefaultErrorMessageTemplate = "Validation failed"

// ValidationConfig configures a validation-kind operation.
type ValidationConfig struct {
	FailureConditions    []FailureCondition `json:"failure_conditions,omitempty"`
	BlockOnFailure       *bool              `json:"block_on_failure,omitempty"`
	BlockOnServiceError  bool               `json:"block_on_service_error,omitempty"`
	ErrorMessageTemplate string             `json:"error_message_template,omitempty"`
}

// BlocksOnFailure defaults to true.
func (c *ValidationConfig) BlocksOnFailure() bool {
	if c == nil || c.BlockOnFailure == nil {
		return true
	}
	return *c.BlockOnFailure
}

// BlocksOnServiceError defaults to false.
func (c *ValidationConfig) BlocksOnServiceError() bool {
	return c != nil && c.BlockOnServiceError
}

// Template returns the error message template or the default.
func (c *ValidationConfig) Template() string {
	if c == nil || c.ErrorMessageTemplate == "" {
		return DefaultErrorMessageTemplate
	}
	return c.ErrorMessageTemplate
}

// ToolOperation is one invocable endpoint of an external tool.
type ToolOperation struct {
	ID               int64             `json:"id"`
	ToolID           int64             `json:"tool_id"`
	OperationID      string            `json:"operation_id"`
	Name             string            `json:"name"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	InputMapping     InputMapping      `json:"input_mapping"`
	OutputMapping    OutputMapping     `json:"output_mapping"`
	Timeout          int               `json:"timeout,omitempty"`
	RetryPolicy      *RetryPolicy      `json:"retry_config,omitempty"`
	Kind             OperationKind     `json:"tool_type"`
	ValidationConfig *ValidationConfig `json:"validation_config,omitempty"`
	IsActive         bool              `json:"is_active"`

	Tool *ExternalTool `json:"tool,omitempty"`
}

// Retry returns the effective retry policy.
func (o *ToolOperation) Retry() RetryPolicy {
	if o.RetryPolicy == nil {
		return DefaultRetryPolicy()
	}
	return *o.RetryPolicy
}

// TimeoutDuration returns the per-attempt timeout.
func (o *ToolOperation) TimeoutDuration() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeoutSecs * time.Second
	}
	return time.Duration(o.Timeout) * time.Second
}

// IsValidation reports whether the operation is a validation tool.
func (o *ToolOperation) IsValidation() bool {
	return o.Kind == KindValidation
}

// Usable reports whether the operation and its tool are active.
func (o *ToolOperation) Usable() bool {
	return o.IsActive && o.Tool != nil && o.Tool.IsActive
}

// Label identifies the operation in logs and metrics.
func (o *ToolOperation) Label() string {
	if o.OperationID != "" {
		return o.OperationID
	}
	return o.Name
}
