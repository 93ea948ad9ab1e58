package cli

import (
	"errors"
	"fmt"

	"github.com/ahrav/branchctl/internal/domain/tenant"
)

// Exit codes for CLI commands.
const (
	ExitSuccess  = 0 // Successful execution
	ExitFailure  = 1 // The run failed or was cancelled
	ExitUsage    = 2 // Bad arguments, flags or configuration
	ExitBusy     = 3 // Another run holds the branch lock; retry later
	ExitNotFound = 4 // The named branch does not exist
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// runError attaches the exit code matching a lifecycle failure.
func runError(message string, err error) error {
	switch {
	case errors.Is(err, tenant.ErrTenantBusy):
		return WrapExitError(ExitBusy, message, err)
	case errors.Is(err, tenant.ErrTenantNotFound):
		return WrapExitError(ExitNotFound, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}
