package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/persistorai/dashsync/internal/httputil"
	"github.com/persistorai/dashsync/internal/metrics"
	"github.com/persistorai/dashsync/internal/middleware"
)

// Error codes of the {code, message, request_id} envelope.
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeVersionConflict = "version_conflict"
	ErrCodeInternalError   = "internal_error"
	ErrCodeValidationError = "validation_error"
	ErrCodeTooLarge        = middleware.CodePayloadTooLarge
)

func respondError(c *gin.Context, status int, code, message string) {
	metrics.ErrorsTotal.WithLabelValues(code).Inc()
	httputil.RespondError(c, status, code, message)
}

// respondBindError answers a body that could not be decoded.
func respondBindError(c *gin.Context, err error) {
	if middleware.IsBodyTooLarge(err) {
		respondError(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
		return
	}

	respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
}
