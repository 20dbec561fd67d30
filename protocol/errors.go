package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage marks inbound data that does not decode to a valid
// frame. There is no resynchronizing a connection whose framing is broken,
// so sessions close on it.
var ErrMalformedMessage = errors.New("malformed message frame")

// ErrorCode is the machine-readable code carried by a CallError frame. The
// values are fixed by OCPP 1.6 (including the misspelled occurence one).
type ErrorCode string

const (
	ErrorNotImplemented      ErrorCode = "NotImplemented"
	ErrorNotSupported        ErrorCode = "NotSupported"
	ErrorInternal            ErrorCode = "InternalError"
	ErrorProtocol            ErrorCode = "ProtocolError"
	ErrorSecurity            ErrorCode = "SecurityError"
	ErrorFormationViolation  ErrorCode = "FormationViolation"
	ErrorPropertyConstraint  ErrorCode = "PropertyConstraintViolation"
	ErrorOccurenceConstraint ErrorCode = "OccurenceConstraintViolation"
	ErrorTypeConstraint      ErrorCode = "TypeConstraintViolation"
	ErrorGeneric             ErrorCode = "GenericError"
)

// CallError is a failure reply frame:
// [4, uniqueId, errorCode, errorDescription, errorDetails].
// It doubles as the domain error type: a handler returns one to reject a
// request on the wire without tearing the session down, and a caller whose
// outbound call was rejected receives one.
type CallError struct {
	UniqueID    string
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

// NewCallError builds a domain error carrying code and description. The
// unique id is filled in by whoever writes it to the wire.
func NewCallError(code ErrorCode, description string) *CallError {
	return &CallError{Code: code, Description: description}
}

func (e *CallError) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *CallError) Type() MessageType { return MessageTypeCallError }

func (e *CallError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{MessageTypeCallError, e.UniqueID, e.Code, e.Description, ensurePayload(e.Details)})
}
