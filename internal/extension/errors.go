package extension

import (
	"errors"
	"fmt"
)

// Activation errors.
var (
	// ErrAlreadyActive indicates the state already holds an active
	// extension.
	ErrAlreadyActive = errors.New("extension already active")

	// ErrNoDebugHost indicates Options.Host was not set.
	ErrNoDebugHost = errors.New("no debug host")
)

// InitError reports the component that failed during activation.
type InitError struct {
	Component string
	Err       error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Component, e.Err)
}

// Unwrap returns the underlying error.
func (e *InitError) Unwrap() error {
	return e.Err
}
