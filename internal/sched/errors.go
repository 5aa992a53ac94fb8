package sched

import (
	"errors"
	"fmt"

	"github.com/tidefall/tact/internal/logical"
)

// RuntimeErrorCode categorizes errors detected during execution.
type RuntimeErrorCode string

const (
	// ErrCodeTardy indicates a message arrived tagged at or before a
	// tag the environment has already started executing. Never silently
	// reordered: either a designated handler runs or the environment
	// terminates, per the configured policy.
	ErrCodeTardy RuntimeErrorCode = "TARDY_MESSAGE"

	// ErrCodeQueueClosed indicates an insert after shutdown began.
	ErrCodeQueueClosed RuntimeErrorCode = "QUEUE_CLOSED"

	// ErrCodeCoordination indicates the coordination link failed or a
	// protocol rule was violated. Fatal to the owning environment.
	ErrCodeCoordination RuntimeErrorCode = "COORDINATION_FAILED"
)

// RuntimeError is a structured execution error.
type RuntimeError struct {
	Code    RuntimeErrorCode
	Message string
	Tag     logical.Tag
	Trigger string
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Trigger != "" {
		return fmt.Sprintf("%s: %s (tag=%v, trigger=%s)", e.Code, e.Message, e.Tag, e.Trigger)
	}
	return fmt.Sprintf("%s: %s (tag=%v)", e.Code, e.Message, e.Tag)
}

// IsTardy reports whether err is a tardy-message error.
// Uses errors.As to handle wrapped errors.
func IsTardy(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeTardy
}

// IsCoordination reports whether err is a coordination failure.
func IsCoordination(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeCoordination
}
