package logging

import (
	"context"
	"log/slog"
	"strconv"
)

type ctxKey int

const (
	proposalIDKey ctxKey = iota
	transitionKey
	operationIDKey
)

// WithProposalID returns a context with the proposal ID set.
func WithProposalID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, proposalIDKey, strconv.FormatInt(id, 10))
}

// WithTransition returns a context with the transition name set.
func WithTransition(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, transitionKey, name)
}

// WithOperationID returns a context with the tool operation ID set.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey, id)
}

// ProposalID extracts the proposal ID from the context, or "" if absent.
func ProposalID(ctx context.Context) string {
	v, _ := ctx.Value(proposalIDKey).(string)
	return v
}

// Transition extracts the transition name from the context, or "" if absent.
func Transition(ctx context.Context) string {
	v, _ := ctx.Value(transitionKey).(string)
	return v
}

// OperationID extracts the operation ID from the context, or "" if absent.
func OperationID(ctx context.Context) string {
	v, _ := ctx.Value(operationIDKey).(string)
	return v
}

// WithIDs sets the proposal and transition correlation IDs at once.
func WithIDs(ctx context.Context, proposalID int64, transition string) context.Context {
	ctx = WithProposalID(ctx, proposalID)
	ctx = WithTransition(ctx, transition)
	return ctx
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ProposalID(ctx); v != "" {
		attrs = append(attrs, slog.String("proposal_id", v))
	}
	if v := Transition(ctx); v != "" {
		attrs = append(attrs, slog.String("transition", v))
	}
	if v := OperationID(ctx); v != "" {
		attrs = append(attrs, slog.String("operation_id", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Use with slog.New(NewCorrelationHandler(inner))
// so callers can use logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
