package errors

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the failure type of an Error. The set of kinds is closed;
// every error produced by this module carries exactly one of them.
type Kind string

// Error kinds.
const (
	KindTransport        Kind = "transport"
	KindSerialization    Kind = "serialization"
	KindDeserialization  Kind = "deserialization"
	KindProtocol         Kind = "protocol"
	KindNotFound         Kind = "not_found"
	KindInvalidRequest   Kind = "invalid_request"
	KindAuthentication   Kind = "authentication"
	KindAuthorization    Kind = "authorization"
	KindState            Kind = "state"
	KindTransition       Kind = "transition"
	KindAlreadyConnected Kind = "already_connected"
	KindNotConnected     Kind = "not_connected"
	KindTimeout          Kind = "timeout"
	KindInternal         Kind = "internal"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsFatal reports whether errors of this kind require the connection to be
// torn down. All other kinds can be recovered from locally.
func (k Kind) IsFatal() bool {
	switch k {
	case KindTransport, KindProtocol, KindNotConnected, KindAuthentication, KindAuthorization:
		return true
	default:
		return false
	}
}

// prefixes maps kinds to the leading text of their rendered messages.
var prefixes = map[Kind]string{
	KindTransport:        "Transport error",
	KindSerialization:    "Serialization error",
	KindDeserialization:  "Deserialization error",
	KindProtocol:         "Protocol error",
	KindNotFound:         "Not found",
	KindInvalidRequest:   "Invalid request",
	KindAuthentication:   "Authentication error",
	KindAuthorization:    "Authorization error",
	KindState:            "State error",
	KindTransition:       "Transition error",
	KindAlreadyConnected: "Transport error: Already connected",
	KindNotConnected:     "Transport error: Not connected",
	KindTimeout:          "Transport error: Operation timed out",
	KindInternal:         "Internal error",
}

// Error is the concrete error type used throughout the module. It pairs a
// kind with a human-readable message and an optional wrapped cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the rendered message, prefixed by the kind.
func (e *Error) Error() string {
	prefix := prefixes[e.kind]
	if e.message == "" {
		return prefix
	}
	return prefix + ": " + e.message
}

// Kind returns the error kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the bare message without the kind prefix.
func (e *Error) Message() string {
	return e.message
}

// IsFatal reports whether this error requires connection teardown.
func (e *Error) IsFatal() bool {
	return e.kind.IsFatal()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// errorJSON is the wire representation of an Error.
type errorJSON struct {
	Type    Kind   `json:"type"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorJSON{Type: e.kind, Message: e.message})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.kind = j.Type
	e.message = j.Message
	e.cause = nil
	return nil
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf creates an error with a formatted message. Format arguments that are
// themselves errors are retained as the cause so errors.Is keeps working
// across the chain.
func Newf(kind Kind, format string, args ...any) *Error {
	e := &Error{kind: kind, message: fmt.Sprintf(format, args...)}
	for _, arg := range args {
		if cause, ok := arg.(error); ok {
			e.cause = cause
			break
		}
	}
	return e
}

// Transport creates a transport error.
func Transport(message string) *Error {
	return New(KindTransport, message)
}

// Transportf creates a transport error with a formatted message.
func Transportf(format string, args ...any) *Error {
	return Newf(KindTransport, format, args...)
}

// Serialization creates a serialization error wrapping a JSON encode failure.
func Serialization(cause error) *Error {
	return &Error{kind: KindSerialization, message: cause.Error(), cause: cause}
}

// Deserialization creates a deserialization error wrapping a JSON decode failure.
func Deserialization(cause error) *Error {
	return &Error{kind: KindDeserialization, message: cause.Error(), cause: cause}
}

// Protocol creates a protocol error.
func Protocol(message string) *Error {
	return New(KindProtocol, message)
}

// Protocolf creates a protocol error with a formatted message.
func Protocolf(format string, args ...any) *Error {
	return Newf(KindProtocol, format, args...)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// InvalidRequest creates an invalid-request error.
func InvalidRequest(message string) *Error {
	return New(KindInvalidRequest, message)
}

// Authentication creates an authentication error.
func Authentication(message string) *Error {
	return New(KindAuthentication, message)
}

// Authorization creates an authorization error.
func Authorization(message string) *Error {
	return New(KindAuthorization, message)
}

// State creates a state error.
func State(message string) *Error {
	return New(KindState, message)
}

// Statef creates a state error with a formatted message.
func Statef(format string, args ...any) *Error {
	return Newf(KindState, format, args...)
}

// Transition creates a transition error.
func Transition(message string) *Error {
	return New(KindTransition, message)
}

// AlreadyConnected creates an already-connected error.
func AlreadyConnected() *Error {
	return New(KindAlreadyConnected, "")
}

// NotConnected creates a not-connected error.
func NotConnected() *Error {
	return New(KindNotConnected, "")
}

// Timeout creates a timeout error.
func Timeout() *Error {
	return New(KindTimeout, "")
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(KindInternal, message)
}

// Internalf creates an internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(KindInternal, format, args...)
}
