package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/xx70235/AstroPropose/internal/logging"
	"github.com/xx70235/AstroPropose/internal/tools"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// AdminRole may run any operation against any proposal.
const AdminRole = "Admin"

// OperationResult is returned by ExecuteOperation. HTTP and validation
// outcomes are reported here rather than as errors.
type OperationResult struct {
	Success      bool           `json:"success"`
	Status       string         `json:"status"`
	TraceID      string         `json:"trace_id,omitempty"`
	Response     any            `json:"response,omitempty"`
	MappedOutput map[string]any `json:"mapped_output,omitempty"`
	// ProposalData is the proposal's data with to_proposal_data applied,
	// set only when the mapping changed it.
	ProposalData map[string]any `json:"proposal_data,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// ExecuteOperation runs one tool operation outside any transition, as a
// form does when it fills fields from a tool. tctx may carry "proposal_id";
// the proposal is then loaded as mapping input and actor must be its author
// or an Admin. Mapped output and proposal data are returned and never
// persisted.
func (e *Engine) ExecuteOperation(ctx context.Context, operationID int64, actor *schema.Actor, tctx map[string]any) (*OperationResult, error) {
	ctx = logging.WithOperationID(ctx, strconv.FormatInt(operationID, 10))
	if e.invoker == nil {
		return nil, schema.NewError(schema.ErrCodeTool, "tool execution is not configured")
	}
	op, err := e.store.GetToolOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "operation %s is not active", op.Label()).
			WithDetails(map[string]any{"operation_id": operationID})
	}
	if op.Tool == nil || !op.Tool.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "tool of operation %s is not active", op.Label()).
			WithDetails(map[string]any{"operation_id": operationID})
	}

	if tctx == nil {
		tctx = map[string]any{}
	}
	var p *schema.Proposal
	if raw, ok := tctx["proposal_id"]; ok && raw != nil {
		id, ok := asID(raw)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidInput, "proposal_id %v is not an id", raw)
		}
		ctx = logging.WithProposalID(ctx, id)
		if p, err = e.store.GetProposal(ctx, id); err != nil {
			return nil, err
		}
		if !ownsOrAdmin(actor, p) {
			return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
				"actor may not run tools on proposal %d", id).
				WithDetails(map[string]any{"proposal_id": id, "operation_id": operationID})
		}
	}

	res, err := e.invoker.Invoke(ctx, op, p, tctx, invocation(actor, "", schema.TriggerFormInteraction))
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "operation executed",
		slog.String("status", string(res.Status)),
		slog.String("trace_id", res.TraceID),
	)
	out := &OperationResult{
		Success:      res.Status == tools.StatusSuccess,
		Status:       string(res.Status),
		TraceID:      res.TraceID,
		Response:     res.Body,
		MappedOutput: res.MappedOutput,
	}
	if res.DataChanged && p != nil {
		out.ProposalData = p.Data
	}
	if !out.Success {
		out.Error = res.Message
	}
	return out, nil
}

func ownsOrAdmin(actor *schema.Actor, p *schema.Proposal) bool {
	if actor == nil {
		return false
	}
	if actor.ID != 0 && actor.ID == p.Author.ID {
		return true
	}
	for _, r := range actor.Roles {
		if r == AdminRole {
			return true
		}
	}
	return false
}

// asID accepts the shapes a decoded JSON or MCP argument takes.
func asID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, n > 0
	case int:
		return int64(n), n > 0
	case float64:
		id := int64(n)
		return id, id > 0 && float64(id) == n
	case json.Number:
		id, err := n.Int64()
		return id, err == nil && id > 0
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil && id > 0
	}
	return 0, false
}
