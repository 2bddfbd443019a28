package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// --- Tool registry ---

func (s *LibSQLStore) CreateTool(ctx context.Context, tool *schema.ExternalTool) error {
	authType := tool.AuthType
	if authType == "" {
		authType = schema.AuthNone
	}
	authConfig, err := jsonColumn(tool.AuthConfig)
	if err != nil {
		return fmt.Errorf("marshal auth_config: %w", err)
	}
	headers, err := jsonColumn(tool.DefaultHeaders)
	if err != nil {
		return fmt.Errorf("marshal default_headers: %w", err)
	}
	rateLimit, err := jsonColumn(tool.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate_limit: %w", err)
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO external_tools (name, base_url, auth_type, auth_config, default_headers, rate_limit, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		tool.Name, tool.BaseURL, authType, authConfig, headers, rateLimit, tool.IsActive,
	).Scan(&tool.ID)
}

func (s *LibSQLStore) CreateToolOperation(ctx context.Context, op *schema.ToolOperation) error {
	input, err := json.Marshal(op.InputMapping)
	if err != nil {
		return fmt.Errorf("marshal input_mapping: %w", err)
	}
	output, err := json.Marshal(op.OutputMapping)
	if err != nil {
		return fmt.Errorf("marshal output_mapping: %w", err)
	}
	retry, err := jsonColumn(op.RetryPolicy)
	if err != nil {
		return fmt.Errorf("marshal retry_config: %w", err)
	}
	validation, err := jsonColumn(op.ValidationConfig)
	if err != nil {
		return fmt.Errorf("marshal validation_config: %w", err)
	}
	kind := op.Kind
	if kind == "" {
		kind = schema.KindOther
	}
	method := strings.ToUpper(op.Method)
	if method == "" {
		method = "GET"
	}
	timeout := op.Timeout
	if timeout <= 0 {
		timeout = schema.DefaultTimeoutSecs
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO tool_operations (tool_id, operation_id, name, method, path, input_mapping, output_mapping,
		   timeout, retry_config, tool_type, validation_config, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		op.ToolID, op.OperationID, op.Name, method, op.Path, string(input), string(output),
		timeout, retry, string(kind), validation, op.IsActive,
	).Scan(&op.ID)
}

// GetToolOperation loads an operation together with its tool.
func (s *LibSQLStore) GetToolOperation(ctx context.Context, id int64) (*schema.ToolOperation, error) {
	op := &schema.ToolOperation{Tool: &schema.ExternalTool{}}
	var (
		input, output, retry, validation, kind sql.NullString
		authConfig, headers, rateLimit         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT o.id, o.tool_id, o.operation_id, o.name, o.method, o.path, o.input_mapping, o.output_mapping,
		        o.timeout, o.retry_config, o.tool_type, o.validation_config, o.is_active,
		        t.id, t.name, t.base_url, t.auth_type, t.auth_config, t.default_headers, t.rate_limit, t.is_active
		 FROM tool_operations o JOIN external_tools t ON t.id = o.tool_id
		 WHERE o.id = ?`, id,
	).Scan(&op.ID, &op.ToolID, &op.OperationID, &op.Name, &op.Method, &op.Path, &input, &output,
		&op.Timeout, &retry, &kind, &validation, &op.IsActive,
		&op.Tool.ID, &op.Tool.Name, &op.Tool.BaseURL, &op.Tool.AuthType, &authConfig, &headers, &rateLimit, &op.Tool.IsActive)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tool operation", id)
	}
	if err != nil {
		return nil, err
	}
	op.Kind = schema.OperationKind(kind.String)

	decoders := []struct {
		name string
		src  sql.NullString
		dst  any
	}{
		{"input_mapping", input, &op.InputMapping},
		{"output_mapping", output, &op.OutputMapping},
		{"retry_config", retry, &op.RetryPolicy},
		{"validation_config", validation, &op.ValidationConfig},
		{"auth_config", authConfig, &op.Tool.AuthConfig},
		{"default_headers", headers, &op.Tool.DefaultHeaders},
		{"rate_limit", rateLimit, &op.Tool.RateLimit},
	}
	for _, d := range decoders {
		if err := decodeJSON(d.src, d.dst); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", d.name, err)
		}
	}
	return op, nil
}

// --- Execution traces ---

func (s *LibSQLStore) CreateTrace(ctx context.Context, t *schema.ExecutionTrace) error {
	reqHeaders, respHeaders, err := traceHeaders(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_executions (id, operation_id, proposal_id, transition, actor_id, triggered_by,
		   request_url, request_method, request_headers, request_body, response_status, response_headers, response_body,
		   status, retry_count, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OperationID, nullInt(t.ProposalID), nullStr(t.Transition), nullInt(t.ActorID), triggeredBy(t.TriggeredBy),
		nullStr(t.RequestURL), nullStr(t.RequestMethod),
		reqHeaders, nullRaw(t.RequestBody), nullInt(int64(t.ResponseStatus)), respHeaders, nullRaw(t.ResponseBody),
		string(t.Status), t.RetryCount, nullStr(t.ErrorMessage), timeOrNow(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (s *LibSQLStore) UpdateTrace(ctx context.Context, t *schema.ExecutionTrace) error {
	reqHeaders, respHeaders, err := traceHeaders(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_executions SET request_url = ?, request_method = ?, request_headers = ?, request_body = ?,
		   response_status = ?, response_headers = ?, response_body = ?,
		   status = ?, retry_count = ?, error_message = ?, completed_at = ?
		 WHERE id = ?`,
		nullStr(t.RequestURL), nullStr(t.RequestMethod), reqHeaders, nullRaw(t.RequestBody),
		nullInt(int64(t.ResponseStatus)), respHeaders, nullRaw(t.ResponseBody),
		string(t.Status), t.RetryCount, nullStr(t.ErrorMessage), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	return checkRowsAffected(res, "execution trace", t.ID)
}

func triggeredBy(v string) string {
	if v == "" {
		return schema.TriggerManual
	}
	return v
}

func traceHeaders(t *schema.ExecutionTrace) (req, resp any, err error) {
	if req, err = jsonColumn(t.RequestHeaders); err != nil {
		return nil, nil, fmt.Errorf("marshal request headers: %w", err)
	}
	if resp, err = jsonColumn(t.ResponseHeaders); err != nil {
		return nil, nil, fmt.Errorf("marshal response headers: %w", err)
	}
	return req, resp, nil
}

const traceColumns = `id, operation_id, proposal_id, transition, actor_id, triggered_by, request_url, request_method, request_headers,
	request_body, response_status, response_headers, response_body, status, retry_count, error_message,
	started_at, completed_at`

func (s *LibSQLStore) GetTrace(ctx context.Context, id string) (*schema.ExecutionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+traceColumns+` FROM tool_executions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	traces, err := scanTraces(rows)
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, storeNotFound("execution trace", id)
	}
	return traces[0], nil
}

// ListTraces returns traces newest first.
func (s *LibSQLStore) ListTraces(ctx context.Context, filter TraceFilter) ([]*schema.ExecutionTrace, error) {
	var where []string
	var args []any
	if filter.ProposalID != 0 {
		where = append(where, "proposal_id = ?")
		args = append(args, filter.ProposalID)
	}
	if filter.OperationID != 0 {
		where = append(where, "operation_id = ?")
		args = append(args, filter.OperationID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + traceColumns + ` FROM tool_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTraces(rows)
}

func scanTraces(rows *sql.Rows) ([]*schema.ExecutionTrace, error) {
	var traces []*schema.ExecutionTrace
	for rows.Next() {
		t := &schema.ExecutionTrace{}
		var (
			proposalID, actorID, responseStatus                    sql.NullInt64
			transition, trigger, reqURL, reqMethod, errMsg, status sql.NullString
			reqHeaders, reqBody, respHeaders, respBody             sql.NullString
			completedAt                                            sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.OperationID, &proposalID, &transition, &actorID, &trigger, &reqURL, &reqMethod, &reqHeaders,
			&reqBody, &responseStatus, &respHeaders, &respBody, &status, &t.RetryCount, &errMsg,
			&t.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		t.ProposalID = proposalID.Int64
		t.Transition = transition.String
		t.ActorID = actorID.Int64
		t.TriggeredBy = trigger.String
		t.RequestURL = reqURL.String
		t.RequestMethod = reqMethod.String
		t.RequestBody = rawOrNil(reqBody)
		t.ResponseStatus = int(responseStatus.Int64)
		t.ResponseBody = rawOrNil(respBody)
		t.Status = schema.TraceStatus(status.String)
		t.ErrorMessage = errMsg.String
		t.CompletedAt = timePtr(completedAt)
		if err := decodeJSON(reqHeaders, &t.RequestHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal request headers: %w", err)
		}
		if err := decodeJSON(respHeaders, &t.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal response headers: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

// --- Scheduled transitions ---

func (s *LibSQLStore) CreateScheduledTransition(ctx context.Context, st *ScheduledTransition) error {
	st.CreatedAt = timeOrNow(st.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_transitions (id, name, workflow_id, from_state, transition, cron_expression,
		   enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.WorkflowID, st.FromState, st.Transition, st.CronExpression,
		st.Enabled, nullTime(st.LastRunAt), nullTime(st.NextRunAt), nullStr(st.LastRunStatus), st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scheduled transition: %w", err)
	}
	return nil
}

const scheduleColumns = `id, name, workflow_id, from_state, transition, cron_expression, enabled,
	last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetScheduledTransition(ctx context.Context, id string) (*ScheduledTransition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_transitions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storeNotFound("scheduled transition", id)
	}
	return list[0], nil
}

func (s *LibSQLStore) UpdateScheduledTransition(ctx context.Context, id string, update ScheduledTransitionUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_transitions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled transition", id)
}

func (s *LibSQLStore) ListScheduledTransitions(ctx context.Context, filter ScheduledTransitionFilter) ([]*ScheduledTransition, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != 0 {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	query := `SELECT ` + scheduleColumns + ` FROM scheduled_transitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *LibSQLStore) DeleteScheduledTransition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_transitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled transition", id)
}

func scanSchedules(rows *sql.Rows) ([]*ScheduledTransition, error) {
	var out []*ScheduledTransition
	for rows.Next() {
		st := &ScheduledTransition{}
		var lastRun, nextRun sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&st.ID, &st.Name, &st.WorkflowID, &st.FromState, &st.Transition, &st.CronExpression,
			&st.Enabled, &lastRun, &nextRun, &lastStatus, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.LastRunAt = timePtr(lastRun)
		st.NextRunAt = timePtr(nextRun)
		st.LastRunStatus = lastStatus.String
		out = append(out, st)
	}
	return out, rows.Err()
}
