package debugger

import (
	"errors"
	"fmt"
)

// Errors returned by facade operations.
var (
	// ErrSessionTerminated indicates there is no session, or not the one the
	// frame belongs to. Callers treat it as a reason to reset, not as a
	// per-item failure.
	ErrSessionTerminated = errors.New("debug session terminated")

	// ErrNoActiveFrame indicates the session is running or nothing is
	// focused.
	ErrNoActiveFrame = errors.New("no active stack frame")
)

// EvaluationError is returned when the debugger rejected an expression.
type EvaluationError struct {
	Expr string
	Err  error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expr, e.Err)
}

// Unwrap returns the underlying error.
func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// IsEvaluationError reports whether err is an evaluation failure.
func IsEvaluationError(err error) bool {
	var evalErr *EvaluationError
	return errors.As(err, &evalErr)
}
