package anthropic

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// ErrorType categorizes API errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

// ErrUnauthorized matches authentication failures via errors.Is.
var ErrUnauthorized = errors.New("anthropic: unauthorized")

// Error is an API error returned by Anthropic.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	return "anthropic: " + string(e.Type) + ": " + e.Message
}

// Is lets errors.Is(err, ErrUnauthorized) match authentication errors.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && (e.Type == ErrAuthentication || e.StatusCode == http.StatusUnauthorized)
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newError(typ, message string) *Error {
	return &Error{Type: ErrorType(typ), Message: message}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error.Type == "" {
		return &Error{Type: ErrAPI, Message: strings.TrimSpace(string(body)), StatusCode: resp.StatusCode}
	}

	apiErr := newError(payload.Error.Type, payload.Error.Message)
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
