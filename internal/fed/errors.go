package fed

import (
	"errors"
	"fmt"
)

// ErrCode classifies protocol failures.
type ErrCode string

const (
	// ErrCodeMalformed marks a frame that violates the wire format.
	ErrCodeMalformed ErrCode = "MALFORMED_FRAME"
	// ErrCodeUnknownKind marks a frame with an unrecognized kind byte.
	ErrCodeUnknownKind ErrCode = "UNKNOWN_KIND"
	// ErrCodeRejected marks a connection refused by the coordinator.
	ErrCodeRejected ErrCode = "REJECTED"
	// ErrCodeConnection marks a lost or unusable transport.
	ErrCodeConnection ErrCode = "CONNECTION_FAILED"
	// ErrCodeProtocol marks a well-formed frame that is out of protocol,
	// such as an LTC beyond the granted tag or a join from an id the
	// topology does not know.
	ErrCodeProtocol ErrCode = "PROTOCOL_VIOLATION"
)

// ProtocolError is the error type for coordination failures. All of
// them are fatal to the affected federate: once coordination breaks
// there is no safe way to keep advancing logical time.
type ProtocolError struct {
	Code    ErrCode
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a coordinator rejection.
func IsRejected(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == ErrCodeRejected
}
