package httpapi

import (
	"errors"
	"net/http"

	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mapError turns an engine error into the HTTP status, code and message
// sent to clients. Server errors never leak their cause.
func mapError(err error) (int, string, string) {
	var typed *store.Error
	if !errors.As(err, &typed) || typed.Kind == store.KindServer {
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
	switch typed.Kind {
	case store.KindValidation:
		return http.StatusBadRequest, typed.Code, typed.Message
	case store.KindNotFound:
		return http.StatusNotFound, typed.Code, typed.Message
	case store.KindConflict:
		return http.StatusConflict, typed.Code, typed.Message
	case store.KindPreconditionFailed:
		return http.StatusPreconditionFailed, typed.Code, typed.Message
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		RequestID: requestIDFromContext(c),
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeEngineError(c *gin.Context, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), err,
			zap.String("request_id", requestIDFromContext(c)),
			zap.String("path", c.FullPath()))
	}
	writeError(c, status, code, msg)
}

func writeInvalid(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, "invalid_request", message)
}
