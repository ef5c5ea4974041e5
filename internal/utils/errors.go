package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a user-friendly suggestion.
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface.
func (e *ErrorWithSuggestion) Error() string {
	return fmt.Sprintf("%s\n\nSuggestion: %s", e.Err.Error(), e.Suggestion)
}

// GetSuggestion returns the suggestion text.
func (e *ErrorWithSuggestion) GetSuggestion() string {
	return e.Suggestion
}

// Unwrap returns the underlying error for error chain support.
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// WrapWithSuggestion wraps an existing error with a suggestion.
func WrapWithSuggestion(err error, suggestion string) error {
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}

// ErrTaskNotFound returns an error for when no task has the given id.
func ErrTaskNotFound(id int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task not found: %d", id),
		Suggestion: "Use 'taskly tasks list' to see task ids",
	}
}

// ErrNoLocalData is returned when the API is unreachable and the replica is empty.
func ErrNoLocalData() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("could not load tasks"),
		Suggestion: "Connect once so taskly can save a local copy of your tasks",
	}
}

// ErrAPIUnreachable returns an error when the task API cannot be reached, with a
// suggestion picked from the failure reason.
func ErrAPIUnreachable(baseURL, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("task API %s is unreachable: %s", baseURL, reason),
		Suggestion: getSmartSuggestion(reason),
	}
}

// getSmartSuggestion returns a context-aware suggestion based on the error reason.
func getSmartSuggestion(reason string) string {
	lowerReason := strings.ToLower(reason)

	if strings.Contains(lowerReason, "no such host") || strings.Contains(lowerReason, "dns") {
		return "Check your DNS settings and internet connection"
	}

	if strings.Contains(lowerReason, "connection refused") {
		return "Check if the server is running and api.base_url is correct"
	}

	if strings.Contains(lowerReason, "timeout") || strings.Contains(lowerReason, "deadline exceeded") {
		return "The server may be slow or unreachable. Try again later or raise api.timeout"
	}

	return "Check your internet connection and try again"
}

// ErrInvalidStatus returns an error for an invalid status with valid options.
func ErrInvalidStatus(status string, valid []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid status: %s", status),
		Suggestion: fmt.Sprintf("Valid options: %s", strings.Join(valid, ", ")),
	}
}

// ErrInvalidPushKey returns an error for a malformed VAPID public key.
func ErrInvalidPushKey(reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid push public key: %s", reason),
		Suggestion: "Use the base64url encoded uncompressed P-256 key (starts with 'B') from your push server",
	}
}

// ErrWorkerDisabled is returned when a command needs the intercepting worker but it is off.
func ErrWorkerDisabled() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("offline worker is not registered"),
		Suggestion: "Set worker.enabled: true and worker.environment: production in your config file",
	}
}

// ErrCredentialsNotFound returns an error when the API token is missing.
func ErrCredentialsNotFound(user string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("API token not found for user %s", user),
		Suggestion: "Run 'taskly credentials set' or export TASKLY_API_TOKEN",
	}
}

// ErrAuthenticationFailed returns an error when the API rejects the token.
func ErrAuthenticationFailed() error {
	return &ErrorWithSuggestion{
		Err:        errors.New("authentication failed for task API"),
		Suggestion: "Verify your API token is correct and has not expired",
	}
}
