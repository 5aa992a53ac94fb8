package graph

import (
	"errors"
	"fmt"
	"strings"
)

// BuildErrorCode categorizes graph construction errors.
type BuildErrorCode string

const (
	// ErrCodeCycle indicates an instantaneous dependency cycle.
	ErrCodeCycle BuildErrorCode = "CYCLE_DETECTED"

	// ErrCodeNoTriggers indicates a reaction that nothing can ever fire.
	ErrCodeNoTriggers BuildErrorCode = "UNREACHABLE_REACTION"

	// ErrCodeDuplicateName indicates a name collision within a scope.
	ErrCodeDuplicateName BuildErrorCode = "DUPLICATE_NAME"

	// ErrCodeBadConnection indicates an ill-formed port connection.
	ErrCodeBadConnection BuildErrorCode = "BAD_CONNECTION"

	// ErrCodeBadTimer indicates an invalid timer specification.
	ErrCodeBadTimer BuildErrorCode = "BAD_TIMER"
)

// BuildError is a fatal graph construction error. Construction errors
// are reported before any execution begins; the runtime never sees a
// graph that failed to build.
type BuildError struct {
	Code    BuildErrorCode
	Message string

	// Reactions names the reactions involved, when known. For a cycle
	// this is every reaction on the cycle.
	Reactions []string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if len(e.Reactions) > 0 {
		return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, strings.Join(e.Reactions, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCycleError reports whether err is a dependency-cycle build error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	var be *BuildError
	return errors.As(err, &be) && be.Code == ErrCodeCycle
}
