package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/logging"
)

// ErrorResponse is the error envelope for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	// Message is set on chat failures with text the UI can show in place
	// of an answer.
	Message string `json:"message,omitempty"`
}

// apiError is a handler failure with a status and a client-safe message.
// cause is logged, never written to the client.
type apiError struct {
	status  int
	message string
	reply   string
	cause   error
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.cause }

func badRequest(message string) error {
	return &apiError{status: http.StatusBadRequest, message: message}
}

func internalError(message string, cause error) error {
	return &apiError{status: http.StatusInternalServerError, message: message, cause: cause}
}

// errorHandler writes every error as an ErrorResponse.
func errorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ctx := c.Request().Context()

		resp := ErrorResponse{Error: http.StatusText(http.StatusInternalServerError)}
		status := http.StatusInternalServerError

		var apiErr *apiError
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &apiErr):
			status = apiErr.status
			resp.Error = apiErr.message
			resp.Message = apiErr.reply
			if apiErr.cause != nil {
				logFailure(ctx, logger, status, apiErr.message, apiErr.cause)
			}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			if msg, ok := httpErr.Message.(string); ok {
				resp.Error = msg
			} else {
				resp.Error = http.StatusText(status)
			}
		default:
			logFailure(ctx, logger, status, "unhandled error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			logger.Warn(ctx, "failed to write error response", zap.Error(err))
		}
	}
}

func logFailure(ctx context.Context, logger *logging.Logger, status int, msg string, cause error) {
	if status >= http.StatusInternalServerError {
		logger.Error(ctx, msg, zap.Int("status", status), zap.Error(cause))
		return
	}
	logger.Warn(ctx, msg, zap.Int("status", status), zap.Error(cause))
}
