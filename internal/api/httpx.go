package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/xx70235/AstroPropose/pkg/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// NewRequestID returns an id for correlating an error response with logs.
func NewRequestID() string { return "req_" + uuid.NewString() }

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes the request body into dst, rejecting unknown fields.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse is the envelope of every non-2xx response.
type ErrorResponse struct {
	RequestID string    `json:"request_id"`
	Error     ErrorBody `json:"error"`
}

// WriteError writes the error envelope and returns its request id.
func WriteError(w http.ResponseWriter, status int, code, errType, message string, details any) string {
	id := NewRequestID()
	WriteJSON(w, status, ErrorResponse{
		RequestID: id,
		Error:     ErrorBody{Code: code, Type: errType, Message: message, Details: details},
	})
	return id
}

// errorClass is how one error code is presented over HTTP.
type errorClass struct {
	status  int
	errType string
}

var errorClasses = map[string]errorClass{
	schema.ErrCodePermissionDenied:  {http.StatusForbidden, "permission_denied"},
	schema.ErrCodeConditionFailed:   {http.StatusBadRequest, "condition_failed"},
	schema.ErrCodeWorkflow:          {http.StatusBadRequest, "workflow_error"},
	schema.ErrCodeInvalidTransition: {http.StatusBadRequest, "workflow_error"},
	schema.ErrCodeValidationFailed:  {http.StatusBadRequest, "validation_failed"},
	schema.ErrCodeInvalidInput:      {http.StatusBadRequest, "invalid_input"},
	schema.ErrCodeToolService:       {http.StatusServiceUnavailable, "tool_service_unavailable"},
	schema.ErrCodeTool:              {http.StatusBadGateway, "tool_error"},
	schema.ErrCodeNotFound:          {http.StatusNotFound, "not_found"},
	schema.ErrCodeConflict:          {http.StatusConflict, "conflict"},
	schema.ErrCodeInvalidDefinition: {http.StatusInternalServerError, "invalid_definition"},
}

// classify maps err to a status and envelope. Unknown errors are internal
// and their text is replaced so store details never leak.
func classify(err error) (int, ErrorBody) {
	var se *schema.Error
	if !errors.As(err, &se) {
		return http.StatusInternalServerError, ErrorBody{
			Code:    "INTERNAL_ERROR",
			Type:    "internal_error",
			Message: "Unexpected error",
		}
	}
	class, ok := errorClasses[se.Code]
	if !ok {
		class = errorClass{http.StatusInternalServerError, "internal_error"}
	}
	body := ErrorBody{Code: se.Code, Type: class.errType, Message: se.Message}
	if se.Code == schema.ErrCodeValidationFailed {
		if msgs, ok := se.Details["messages"]; ok {
			body.Details = msgs
			return class.status, body
		}
	}
	if len(se.Details) > 0 {
		body.Details = se.Details
	}
	return class.status, body
}
