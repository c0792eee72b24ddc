package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"diffusion_backend/db"
	"diffusion_backend/sdruntime"
	"diffusion_backend/shutdown"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeUnsupportedMode = "unsupported_mode"
	CodeNotFound        = "not_found"
	CodeBusy            = "busy"
	CodeRateLimited     = "rate_limited"
	CodeTimeout         = "timeout"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal_error"
)

// statusForError maps a generation or storage error to an HTTP status and code.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, sdruntime.ErrInvalidParams),
		errors.Is(err, sdruntime.ErrInvalidPrompt),
		errors.Is(err, sdruntime.ErrInvalidShape),
		errors.Is(err, sdruntime.ErrInvalidImage):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, sdruntime.ErrUnsupportedMode):
		return http.StatusUnprocessableEntity, CodeUnsupportedMode
	case errors.Is(err, db.ErrRunNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, sdruntime.ErrAcquireTimeout):
		return http.StatusServiceUnavailable, CodeBusy
	case errors.Is(err, sdruntime.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, sdruntime.ErrPoolClosed),
		errors.Is(err, shutdown.ErrTrackerClosed):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func abortWithError(c *gin.Context, err error) {
	status, code := statusForError(err)
	c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func abortWithStatus(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message, Code: code})
}
