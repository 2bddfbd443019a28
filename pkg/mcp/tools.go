package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xx70235/AstroPropose/internal/engine"
	"github.com/xx70235/AstroPropose/internal/logging"
	"github.com/xx70235/AstroPropose/internal/store"
	"github.com/xx70235/AstroPropose/pkg/schema"
)

// handleTransition executes a transition as the given actor.
func (s *AstroServer) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proposalID, err := requireID(req, "proposal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action, err := req.RequireString("action")
	if err != nil || action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}
	actor, errResult := s.resolveActor(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	tctx := mcp.ParseStringMap(req, "context", nil)

	ctx = logging.WithIDs(ctx, proposalID, action)
	result, runErr := s.engine.ExecuteTransition(ctx, proposalID, action, actor, tctx)
	if runErr != nil {
		return errorResult("transition failed", runErr), nil
	}
	return marshalResult(result)
}

// handleAllowedActions lists the transitions the actor may take now.
func (s *AstroServer) handleAllowedActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proposalID, err := requireID(req, "proposal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actor, errResult := s.resolveActor(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	actions, listErr := s.engine.AllowedActions(ctx, proposalID, actor)
	if listErr != nil {
		return errorResult("allowed actions query failed", listErr), nil
	}
	if actions == nil {
		actions = []engine.AllowedAction{}
	}
	return marshalResult(map[string]any{"proposal_id": proposalID, "transitions": actions})
}

// handleExecuteOperation runs one operation for a form interaction.
func (s *AstroServer) handleExecuteOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	operationID, err := requireID(req, "operation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	actor, errResult := s.resolveActor(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	tctx := mcp.ParseStringMap(req, "context", nil)

	result, runErr := s.engine.ExecuteOperation(ctx, operationID, actor, tctx)
	if runErr != nil {
		return errorResult("operation failed", runErr), nil
	}
	return marshalResult(result)
}

// handleToolExecutions lists a proposal's execution traces.
func (s *AstroServer) handleToolExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proposalID, err := requireID(req, "proposal_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filter := store.TraceFilter{
		ProposalID: proposalID,
		Status:     schema.TraceStatus(req.GetString("status", "")),
		Limit:      int(req.GetFloat("limit", 0)),
	}
	if filter.Limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}

	traces, listErr := s.store.ListTraces(ctx, filter)
	if listErr != nil {
		return errorResult("trace query failed", listErr), nil
	}
	if traces == nil {
		traces = []*schema.ExecutionTrace{}
	}
	return marshalResult(map[string]any{"proposal_id": proposalID, "tool_executions": traces})
}

// --- Helpers ---

// resolveActor loads the actor's roles from the store. MCP callers name an
// actor by id only.
func (s *AstroServer) resolveActor(ctx context.Context, req mcp.CallToolRequest) (*schema.Actor, *mcp.CallToolResult) {
	actorID, err := requireID(req, "actor_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	actor, lookupErr := s.store.GetActor(ctx, actorID)
	if lookupErr != nil {
		return nil, errorResult("actor lookup failed", lookupErr)
	}
	return actor, nil
}

func requireID(req mcp.CallToolRequest, key string) (int64, error) {
	v, err := req.RequireFloat(key)
	if err != nil {
		return 0, fmt.Errorf("%s is required", key)
	}
	if v <= 0 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return int64(v), nil
}

// errorResult renders err with its structured code so agents can branch on it.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	var payload struct {
		Error   string         `json:"error"`
		Code    string         `json:"code,omitempty"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}
	payload.Error = prefix
	payload.Message = err.Error()
	var se *schema.Error
	if errors.As(err, &se) {
		payload.Code = se.Code
		payload.Message = se.Message
		payload.Details = se.Details
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	return mcp.NewToolResultError(string(data))
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
