package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xx70235/AstroPropose/internal/expressions"
	"github.com/xx70235/AstroPropose/internal/logging"
	"github.com/xx70235/AstroPropose/internal/mapping"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// Status is the classified outcome of one invocation.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusFailed           Status = "failed"
	StatusServiceError     Status = "service_error"
	StatusValidationFailed Status = "validation_failed"
)

// Result is what the invoker hands back to the effect applicator.
type Result struct {
	Status          Status
	TraceID         string
	StatusCode      int
	Body            any
	MappedOutput    map[string]any
	DataChanged     bool
	BlockTransition bool
	Message         string
}

// Observer receives invocation telemetry. Satisfied by metrics.Collector.
type Observer interface {
	ObserveAttempt(tool, operation string, statusCode int)
	ObserveInvocation(tool, operation, outcome string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveAttempt(string, string, int)                      {}
func (noopObserver) ObserveInvocation(string, string, string, time.Duration) {}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	maxErrorExcerpt        = 500
)

// InvokerDeps holds the collaborators of an Invoker. Only Recorder is
// required for traces to be persisted; everything else has a default.
type InvokerDeps struct {
	Client          *http.Client
	Recorder        TraceRecorder
	Resolver        *mapping.Resolver
	Interpolator    *expressions.Interpolator
	Validation      *ValidationInterpreter
	Breakers        *CircuitBreakerRegistry
	Limiters        *RateLimiters
	Observer        Observer
	Logger          *slog.Logger
	Wait            WaitFunc
	Now             func() time.Time
	MaxResponseBody int64
}

// Invoker executes registered tool operations. It is stateless apart from
// the breaker and limiter registries and is safe for concurrent use.
type Invoker struct {
	client          *http.Client
	recorder        TraceRecorder
	resolver        *mapping.Resolver
	interp          *expressions.Interpolator
	validation      *ValidationInterpreter
	breakers        *CircuitBreakerRegistry
	limiters        *RateLimiters
	observer        Observer
	logger          *slog.Logger
	wait            WaitFunc
	now             func() time.Time
	maxResponseBody int64
}

// NewInvoker creates an Invoker.
func NewInvoker(deps InvokerDeps) *Invoker {
	inv := &Invoker{
		client:          deps.Client,
		recorder:        deps.Recorder,
		resolver:        deps.Resolver,
		interp:          deps.Interpolator,
		validation:      deps.Validation,
		breakers:        deps.Breakers,
		limiters:        deps.Limiters,
		observer:        deps.Observer,
		logger:          deps.Logger,
		wait:            deps.Wait,
		now:             deps.Now,
		maxResponseBody: deps.MaxResponseBody,
	}
	if inv.logger == nil {
		inv.logger = slog.Default()
	}
	if inv.client == nil {
		inv.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if inv.resolver == nil {
		inv.resolver = mapping.NewResolver(expressions.NewGoJQEngine(), inv.logger)
	}
	if inv.interp == nil {
		inv.interp = expressions.NewInterpolator(nil)
	}
	if inv.validation == nil {
		inv.validation = NewValidationInterpreter(expressions.NewExprEngine(), inv.logger)
	}
	if inv.observer == nil {
		inv.observer = noopObserver{}
	}
	if inv.wait == nil {
		inv.wait = WaitForBackoff
	}
	if inv.now == nil {
		inv.now = time.Now
	}
	if inv.maxResponseBody <= 0 {
		inv.maxResponseBody = defaultMaxResponseBody
	}
	return inv
}

type builtRequest struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	// secretHeaders are redacted in the trace: auth headers and default
	// headers built from ${...} references.
	secretHeaders []string
}

type attemptResponse struct {
	status  int
	headers map[string]string
	body    any
	text    string
}

// Invoke runs op for proposal (may be nil) with the transition context tctx.
// by names who started the call and is recorded on the trace. Resolved to_context values are written into tctx and to_proposal_data
// values into proposal.Data. A returned error means the call could not be
// completed (transport failure, open circuit, unbuildable request); HTTP
// and validation outcomes are reported through Result.
func (inv *Invoker) Invoke(ctx context.Context, op *schema.ToolOperation, proposal *schema.Proposal, tctx map[string]any, by schema.Invocation) (res *Result, err error) {
	start := inv.now()
	toolName := toolLabel(op)
	ctx = logging.WithOperationID(ctx, op.Label())
	log := inv.logger

	var proposalID int64
	if proposal != nil {
		proposalID = proposal.ID
	}
	trace := newTrace(op, proposalID, by, inv.recorder, inv.now)

	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeTool, "tool %q panicked: %v", op.Label(), rec)
			res = nil
		}
		if err != nil && !trace.Record().Status.IsTerminal() {
			inv.persist(ctx, trace.fail(ctx, err.Error()))
		}
		outcome := "error"
		if res != nil {
			outcome = string(res.Status)
			res.TraceID = trace.Record().ID
		}
		inv.observer.ObserveInvocation(toolName, op.Label(), outcome, inv.now().Sub(start))
	}()

	if err := trace.create(ctx); err != nil {
		log.ErrorContext(ctx, "create execution trace failed", slog.String("error", err.Error()))
	}

	source := map[string]any{"context": tctx}
	if proposal != nil {
		source["proposal"] = proposal.Projection()
	}

	req, err := inv.buildRequest(ctx, op, source)
	if err != nil {
		return nil, err
	}
	trace.setRequest(req.url, req.method, req.headers, req.secretHeaders, req.body)
	inv.persist(ctx, trace.start(ctx))

	resp, err := inv.executeWithRetry(ctx, op, req, trace)
	if err != nil {
		if inv.breakers != nil && schema.IsCode(err, schema.ErrCodeTransport) {
			inv.breakers.RecordFailure(toolName)
		}
		return nil, err
	}
	if inv.breakers != nil {
		if resp.status >= 500 {
			inv.breakers.RecordFailure(toolName)
		} else {
			inv.breakers.RecordSuccess(toolName)
		}
	}
	trace.setResponse(resp.status, resp.headers, resp.body)

	if resp.status >= 400 {
		msg := fmt.Sprintf("HTTP %d: %s", resp.status, excerpt(resp.text, maxErrorExcerpt))
		inv.persist(ctx, trace.fail(ctx, msg))
		log.WarnContext(ctx, "tool returned error status",
			slog.Int("status", resp.status),
			slog.String("tool", toolName),
		)
		if op.IsValidation() {
			return &Result{
				Status:          StatusServiceError,
				StatusCode:      resp.status,
				Body:            resp.body,
				BlockTransition: op.ValidationConfig.BlocksOnServiceError(),
				Message:         msg,
			}, nil
		}
		return &Result{Status: StatusFailed, StatusCode: resp.status, Body: resp.body, Message: msg}, nil
	}

	if op.IsValidation() {
		verdict := inv.validation.Check(ctx, op.ValidationConfig, resp.body, resp.status)
		if !verdict.Valid {
			inv.persist(ctx, trace.fail(ctx, verdict.Message))
			return &Result{
				Status:          StatusValidationFailed,
				StatusCode:      resp.status,
				Body:            resp.body,
				BlockTransition: op.ValidationConfig.BlocksOnFailure(),
				Message:         verdict.Message,
			}, nil
		}
	}

	mapped, dataChanged := inv.applyOutputMapping(ctx, op.OutputMapping, resp.body, proposal, tctx)
	inv.persist(ctx, trace.succeed(ctx))
	return &Result{
		Status:       StatusSuccess,
		StatusCode:   resp.status,
		Body:         resp.body,
		MappedOutput: mapped,
		DataChanged:  dataChanged,
	}, nil
}

func (inv *Invoker) buildRequest(ctx context.Context, op *schema.ToolOperation, source map[string]any) (*builtRequest, error) {
	if op.Tool == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "operation %q has no tool", op.Label())
	}
	in := op.InputMapping

	path := op.Path
	for name, m := range in.PathParams {
		val := mapping.Stringify(inv.resolver.Resolve(ctx, m, source))
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(val))
	}
	rawURL := strings.TrimRight(op.Tool.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if path == "" {
		rawURL = op.Tool.BaseURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "operation %q: invalid url %q", op.Label(), rawURL)
	}

	if len(in.QueryParams) > 0 {
		q := u.Query()
		for name, m := range in.QueryParams {
			val := inv.resolver.Resolve(ctx, m, source)
			switch v := val.(type) {
			case nil:
			case []any:
				for _, item := range v {
					q.Add(name, mapping.Stringify(item))
				}
			default:
				q.Set(name, mapping.Stringify(v))
			}
		}
		u.RawQuery = q.Encode()
	}

	var body []byte
	if len(in.Body) > 0 {
		payload := inv.resolver.ResolveMap(ctx, in.Body, source)
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTool, "operation %q: marshal body: %s", op.Label(), err.Error()).WithCause(err)
		}
	}

	headers := map[string]string{"Content-Type": "application/json"}
	defaults, err := inv.interp.ResolveStrings(ctx, op.Tool.DefaultHeaders)
	if err != nil {
		return nil, err
	}
	var secret []string
	for k, v := range defaults {
		headers[k] = v
		if expressions.HasInterpolation(op.Tool.DefaultHeaders[k]) {
			secret = append(secret, k)
		}
	}
	authHeaders, err := applyAuth(ctx, inv.interp, op.Tool, headers)
	if err != nil {
		return nil, err
	}
	secret = append(secret, authHeaders...)
	for name, m := range in.Headers {
		headers[name] = mapping.Stringify(inv.resolver.Resolve(ctx, m, source))
	}

	method := strings.ToUpper(op.Method)
	if method == "" {
		method = http.MethodGet
	}
	return &builtRequest{method: method, url: u.String(), headers: headers, body: body, secretHeaders: secret}, nil
}

// executeWithRetry performs up to max_retries+1 attempts with exponential
// backoff between them.
func (inv *Invoker) executeWithRetry(ctx context.Context, op *schema.ToolOperation, req *builtRequest, trace *Trace) (*attemptResponse, error) {
	policy := op.Retry()
	toolName := toolLabel(op)

	if inv.breakers != nil {
		if err := inv.breakers.AllowRequest(toolName); err != nil {
			return nil, err
		}
	}

	for attempt := 0; ; attempt++ {
		if err := inv.limiters.Wait(ctx, op.Tool); err != nil {
			return nil, err
		}

		resp, err := inv.doAttempt(ctx, op, req)
		last := attempt >= policy.MaxRetries

		if err != nil {
			inv.observer.ObserveAttempt(toolName, op.Label(), 0)
			if last || !isRetryableTransportError(ctx, err) {
				return nil, schema.NewErrorf(schema.ErrCodeTransport,
					"tool %q request failed after %d attempt(s): %s", op.Label(), attempt+1, err.Error()).
					WithCause(err).
					WithDetails(map[string]any{"operation_id": op.ID, "attempts": attempt + 1})
			}
			inv.logger.WarnContext(ctx, "tool request failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		} else {
			inv.observer.ObserveAttempt(toolName, op.Label(), resp.status)
			if last || !policy.Retryable(resp.status) {
				return resp, nil
			}
			inv.logger.WarnContext(ctx, "tool returned retryable status",
				slog.Int("attempt", attempt+1),
				slog.Int("status", resp.status),
			)
		}

		inv.persist(ctx, trace.retry(ctx, attempt+1))
		if err := inv.wait(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTransport,
				"tool %q retry cancelled: %s", op.Label(), err.Error()).WithCause(err)
		}
		inv.persist(ctx, trace.start(ctx))
	}
}

func (inv *Invoker) doAttempt(ctx context.Context, op *schema.ToolOperation, req *builtRequest) (*attemptResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, op.TimeoutDuration())
	defer cancel()

	var bodyReader io.Reader
	if len(req.body) > 0 {
		bodyReader = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.method, req.url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, inv.maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &attemptResponse{
		status:  resp.StatusCode,
		headers: headers,
		body:    parseBody(raw),
		text:    string(raw),
	}, nil
}

// applyOutputMapping resolves to_context and to_proposal_data against
// {response: body}.
func (inv *Invoker) applyOutputMapping(ctx context.Context, out schema.OutputMapping, body any, proposal *schema.Proposal, tctx map[string]any) (map[string]any, bool) {
	source := map[string]any{"response": body}
	mapped := inv.resolver.ResolveMap(ctx, out.ToContext, source)
	if tctx != nil {
		for k, v := range mapped {
			tctx[k] = v
		}
	}

	if proposal == nil || len(out.ToProposalData) == 0 {
		return mapped, false
	}
	if proposal.Data == nil {
		proposal.Data = make(map[string]any)
	}
	for k, v := range inv.resolver.ResolveMap(ctx, out.ToProposalData, source) {
		proposal.Data[k] = v
	}
	return mapped, true
}

func (inv *Invoker) persist(ctx context.Context, err error) {
	if err != nil {
		inv.logger.ErrorContext(ctx, "execution trace update failed", slog.String("error", err.Error()))
	}
}

// parseBody decodes JSON bodies and wraps anything else as {"raw": text}.
func parseBody(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return map[string]any{"raw": string(raw)}
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func toolLabel(op *schema.ToolOperation) string {
	if op.Tool != nil && op.Tool.Name != "" {
		return op.Tool.Name
	}
	return fmt.Sprintf("tool-%d", op.ToolID)
}
