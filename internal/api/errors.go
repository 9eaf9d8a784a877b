package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"google.golang.org/api/googleapi"

	"github.com/Checker-Finance/books-gateway/internal/google"
	"github.com/Checker-Finance/books-gateway/internal/intuit"
	"github.com/Checker-Finance/books-gateway/internal/messaging"
	"github.com/Checker-Finance/books-gateway/internal/metrics"
)

// Error codes returned in the "error" field.
const (
	CodeBadRequest      = "bad_request"
	CodeNotConfigured   = "not_configured"
	CodeUnauthenticated = "unauthenticated"
	CodeRefreshFailed   = "refresh_failed"
	CodeExchangeFailed  = "exchange_failed"
	CodeAPIError        = "api_error"
	CodeUnavailable     = "messaging_unavailable"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal_error"
)

// ErrBadRequest marks input validation failures.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// classify maps a domain error to an HTTP status and error code.
func classify(err error) (int, string) {
	var apiErr *intuit.APIError
	var gErr *googleapi.Error
	var fErr *fiber.Error

	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, intuit.ErrInvalidConfig),
		errors.Is(err, intuit.ErrMissingCode),
		errors.Is(err, intuit.ErrStateMismatch):
		return fiber.StatusBadRequest, CodeBadRequest
	case errors.Is(err, intuit.ErrUnauthenticated),
		errors.Is(err, google.ErrNotAuthorized):
		return fiber.StatusUnauthorized, CodeUnauthenticated
	case errors.Is(err, intuit.ErrNotConfigured),
		errors.Is(err, google.ErrNoClientConfig):
		return fiber.StatusConflict, CodeNotConfigured
	case errors.Is(err, intuit.ErrRefreshFailed):
		return fiber.StatusBadGateway, CodeRefreshFailed
	case errors.Is(err, intuit.ErrExchangeFailed),
		errors.Is(err, google.ErrExchangeFailed),
		errors.Is(err, google.ErrNoRefreshToken):
		return fiber.StatusBadGateway, CodeExchangeFailed
	case errors.As(err, &apiErr):
		return upstreamStatus(apiErr.Status), CodeAPIError
	case errors.As(err, &gErr):
		return upstreamStatus(gErr.Code), CodeAPIError
	case errors.Is(err, messaging.ErrNotReady),
		errors.Is(err, messaging.ErrNotConnected):
		return fiber.StatusServiceUnavailable, CodeUnavailable
	case errors.As(err, &fErr):
		if fErr.Code == fiber.StatusNotFound {
			return fErr.Code, CodeNotFound
		}
		if fErr.Code < http.StatusInternalServerError {
			return fErr.Code, CodeBadRequest
		}
		return fErr.Code, CodeInternal
	}
	return fiber.StatusInternalServerError, CodeInternal
}

// upstreamStatus passes remote 4xx through and turns everything else into 502.
func upstreamStatus(status int) int {
	if status >= 400 && status < 500 {
		return status
	}
	return fiber.StatusBadGateway
}

func writeError(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	metrics.IncHTTPError(code)
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: err.Error()})
}

// ErrorHandler is the fiber fallback for errors returned by handlers and middleware.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return writeError(c, err)
}
