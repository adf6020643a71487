package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/ShayCichocki/scribe/internal/agent"
	"github.com/ShayCichocki/scribe/internal/dispatch"
	"github.com/ShayCichocki/scribe/internal/orchestrator"
	"github.com/ShayCichocki/scribe/internal/state"
)

type apiError struct {
	Status         int
	Message        string
	Code           string
	ConversationID string
	Step           string
}

type errorResponse struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	ConversationID string `json:"conversation_id,omitempty"`
	Step           string `json:"step,omitempty"`
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnprocessableEntity:
		return "agent_rejected"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, agent.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrUnavailable), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fromError converts a coordinator error into an API error for
// conversationID.
func fromError(err error, conversationID string) *apiError {
	if err == nil {
		return nil
	}
	apiErr := &apiError{
		Status:         statusForError(err),
		Message:        err.Error(),
		ConversationID: conversationID,
	}
	var serr *orchestrator.StepError
	if errors.As(err, &serr) {
		apiErr.ConversationID = serr.ConversationID
		apiErr.Step = serr.Step
	}
	if apiErr.Status == http.StatusInternalServerError {
		apiErr.Message = "internal error"
	}
	return apiErr
}

func badRequest(message string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: message}
}
