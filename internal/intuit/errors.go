package intuit

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured   = errors.New("intuit: client not configured")
	ErrInvalidConfig   = errors.New("intuit: invalid client configuration")
	ErrUnauthenticated = errors.New("intuit: no access token")
	ErrMissingCode     = errors.New("intuit: callback has no authorization code")
	ErrStateMismatch   = errors.New("intuit: callback state mismatch")
	ErrExchangeFailed  = errors.New("intuit: authorization code exchange failed")
	ErrRefreshFailed   = errors.New("intuit: token refresh failed")
	ErrAPI             = errors.New("intuit: api error")
)

// APIError is a non-2xx answer of the accounting API.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("intuit api %d: %s", e.Status, body)
}

func (e *APIError) Is(target error) bool { return target == ErrAPI }

func apiErrorHandler(status int, body []byte) error {
	return &APIError{Status: status, Body: body}
}
