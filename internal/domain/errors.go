package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced event, ticket, resource or job is missing.
var ErrNotFound = errors.New("not found")

// Conflict codes.
const (
	CodeDuplicatePending     = "DUPLICATE_PENDING_REQUEST"
	CodeConfirmationMismatch = "CONFIRMATION_MISMATCH"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeDeleteRestricted     = "DELETE_RESTRICTED"
	CodeAlreadyExists        = "ALREADY_EXISTS"
)

// ValidationError reports a malformed or forbidden request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a request that collides with current state.
type ConflictError struct {
	Code    string
	Message string
}

func (e ConflictError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ConfirmationRequiredError asks the caller to confirm a destructive action.
// Expected is the value the caller must echo back: the live display name for
// strict resources, "true" otherwise.
type ConfirmationRequiredError struct {
	Expected string
	Strict   bool
}

func (e ConfirmationRequiredError) Error() string {
	if e.Strict {
		return fmt.Sprintf("%s: type %q to confirm", CodeConfirmationRequired, e.Expected)
	}
	return CodeConfirmationRequired + ": confirm flag required"
}

// RestrictedError rejects deleting an aggregate that still has live children
// or VM creations in flight under it.
type RestrictedError struct {
	ChildCount int
}

func (e RestrictedError) Error() string {
	return fmt.Sprintf("%s: %d live or pending child resources", CodeDeleteRestricted, e.ChildCount)
}

// NotFoundError names what was missing and unwraps to ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// TransientExecutionError is a retryable worker failure.
type TransientExecutionError struct {
	Err error
}

func (e TransientExecutionError) Error() string { return "transient: " + e.Err.Error() }
func (e TransientExecutionError) Unwrap() error { return e.Err }

// TerminalExecutionError ends a job without further retries.
type TerminalExecutionError struct {
	Reason string
	Err    error
}

func (e TerminalExecutionError) Error() string {
	if e.Err == nil {
		return "terminal: " + e.Reason
	}
	return fmt.Sprintf("terminal: %s: %v", e.Reason, e.Err)
}

func (e TerminalExecutionError) Unwrap() error { return e.Err }

func IsConflict(err error, code string) bool {
	var ce ConflictError
	return errors.As(err, &ce) && ce.Code == code
}
