package engine

import "fmt"

// ValidationError reports malformed, missing or taxonomy-violating input.
// Callers must fix the request; retrying unchanged cannot succeed.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an invariant violation: duplicate active assignment,
// mutation of a resolved issue, premature verification, or deletion of a
// volunteer with outstanding work. Non-retryable.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}
