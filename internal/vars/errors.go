package vars

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	// ErrUnknownType is returned by Classify when no rule is registered for
	// the type. Callers fall back to generic classification.
	ErrUnknownType = errors.New("unknown type")

	// ErrRegistryFrozen is returned by registrations after Freeze.
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// ConfigurationError reports a rule that cannot be registered. Only the
// offending entry is rejected.
type ConfigurationError struct {
	Type   string
	Member string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("invalid rule for %s.%s: %s", e.Type, e.Member, e.Reason)
	}
	return fmt.Sprintf("invalid rule for %s: %s", e.Type, e.Reason)
}

// IsConfigurationError reports whether err is a rejected rule.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
