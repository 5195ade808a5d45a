package captivegate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the SDK.
var (
	// ErrNotSignedIn is returned when the gateway cannot resolve the device.
	ErrNotSignedIn = errors.New("captivegate: device is not signed in")

	// ErrForbidden is returned for eligibility, operator and access point lock refusals.
	ErrForbidden = errors.New("captivegate: request refused")

	// ErrRateLimited is returned when the gateway throttles the caller.
	ErrRateLimited = errors.New("captivegate: rate limited")
)

// APIError represents an error response from the portal API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("captivegate: API error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the SDK sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrNotSignedIn
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// apiErrorEnvelope matches the portal API error body.
type apiErrorEnvelope struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func parseAPIError(statusCode int, body []byte) error {
	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return &APIError{StatusCode: statusCode, Message: env.Message}
	}
	return &APIError{StatusCode: statusCode, Message: string(body)}
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
