package ocpp

import "fmt"

// ErrorCode represents an OCPP CALLERROR code.
type ErrorCode string

const (
	// ErrorNotImplemented - requested action is not known by the receiver
	ErrorNotImplemented ErrorCode = "NotImplemented"

	// ErrorNotSupported - requested action is recognized but not supported
	ErrorNotSupported ErrorCode = "NotSupported"

	// ErrorInternalError - the receiver could not process the request
	ErrorInternalError ErrorCode = "InternalError"

	// ErrorProtocolError - payload for the action is incomplete
	ErrorProtocolError ErrorCode = "ProtocolError"

	// ErrorSecurityError - a security issue occurred during processing
	ErrorSecurityError ErrorCode = "SecurityError"

	// ErrorFormationViolation - payload is syntactically incorrect
	ErrorFormationViolation ErrorCode = "FormationViolation"

	// ErrorPropertyConstraintViolation - a payload field is out of range
	ErrorPropertyConstraintViolation ErrorCode = "PropertyConstraintViolation"

	// ErrorOccurrenceConstraintViolation - command invalid in current state
	ErrorOccurrenceConstraintViolation ErrorCode = "OccurrenceConstraintViolation"

	// ErrorTypeConstraintViolation - a payload field violates its data type
	ErrorTypeConstraintViolation ErrorCode = "TypeConstraintViolation"

	// ErrorGenericError - any other error
	ErrorGenericError ErrorCode = "GenericError"
)

// Error is a protocol failure bound to the command that produced it. It is
// returned by engine components and converted into a CALLERROR at the
// transport boundary.
type Error struct {
	Code    ErrorCode
	Action  string
	Message string
}

// NewError creates a protocol error for the given command.
func NewError(code ErrorCode, action, message string) *Error {
	return &Error{Code: code, Action: action, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s on %s: %s", e.Code, e.Action, e.Message)
}
