package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus maps the error taxonomy onto HTTP. Order matters: a
// ProviderError unwraps to both its kind and its cause.
func errorStatus(err error) (int, string) {
	switch {
	case apperrors.IsValidationError(err), apperrors.IsBadRequestError(err):
		return http.StatusBadRequest, "VALIDATION_ERROR"
	case apperrors.IsNotFoundError(err):
		return http.StatusNotFound, "NOT_FOUND"
	case apperrors.IsLimitReachedError(err):
		return http.StatusConflict, "LIMIT_REACHED"
	case apperrors.IsConflictError(err), apperrors.IsDuplicateError(err):
		return http.StatusConflict, "CONFLICT"
	case apperrors.IsConfigurationError(err):
		return http.StatusInternalServerError, "CONFIGURATION_ERROR"
	case apperrors.IsProviderRejectedError(err):
		return http.StatusUnprocessableEntity, "PROVIDER_REJECTED"
	case apperrors.IsPairingUnavailableError(err):
		return http.StatusBadGateway, "PAIRING_UNAVAILABLE"
	case apperrors.IsProviderUnavailableError(err):
		return http.StatusBadGateway, "PROVIDER_UNAVAILABLE"
	case apperrors.IsRateLimitedError(err):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case apperrors.IsTimeoutError(err):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case apperrors.IsUnauthorizedError(err):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// errorHandler renders domain errors and echo's own HTTPErrors in one shape.
func errorHandler(baseLogger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   ErrorResponse
		)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			body = ErrorResponse{Error: http.StatusText(he.Code), Code: "HTTP_ERROR"}
			if msg, ok := he.Message.(string); ok && msg != "" {
				body.Error = msg
			}
		} else {
			var code string
			status, code = errorStatus(err)
			body = ErrorResponse{Error: err.Error(), Code: code}
		}

		log := logger.FromContextOr(c.Request().Context(), baseLogger)
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", zap.Int("status", status), zap.Error(err))
		} else {
			log.Debug("Request rejected", zap.Int("status", status), zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Warn("Failed to write error response", zap.Error(err))
		}
	}
}
