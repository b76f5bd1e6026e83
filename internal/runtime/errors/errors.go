package errors

import (
	sterrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrServiceRequired         = sterrors.New("wsflow: event service is required")
	ErrServicePathRequired     = sterrors.New("wsflow: service path is required")
	ErrServiceAlreadyBound     = sterrors.New("wsflow: service path is already bound")
	ErrUnknownService          = sterrors.New("wsflow: unknown service")
	ErrEventRequired           = sterrors.New("wsflow: event name is required")
	ErrConfigRequired          = sterrors.New("wsflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("wsflow: logger is required")
	ErrUnknownFormat           = sterrors.New("wsflow: unknown format")
	ErrAdapterInactive         = sterrors.New("wsflow: fan-out adapter is inactive")
	ErrConnectionClosed        = sterrors.New("wsflow: connection is closed")
	ErrSendBufferFull          = sterrors.New("wsflow: connection send buffer is full")
	ErrUnauthenticated         = NewEventError(http.StatusUnauthorized, "Unauthorized")
	ErrForbidden               = NewEventError(http.StatusForbidden, "Forbidden")
	ErrUnsupportedTransport    = sterrors.New("wsflow: unsupported transport")
	ErrMalformedFanoutEnvelope = sterrors.New("wsflow: malformed fan-out envelope")
	ErrHandlerRequired         = sterrors.New("wsflow: handler is required")
	ErrPayloadPointerNeeded    = sterrors.New("wsflow: payload type must be a pointer")
)

// ConfigValidationError wraps the joined errors returned by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "wsflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// EventError is the structured error delivered to a single caller, either as
// the reply to an inbound event or as the rejection of a handshake.
type EventError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// NewEventError builds an EventError. An empty message falls back to the HTTP
// status text of code.
func NewEventError(code int, message string) *EventError {
	if message == "" {
		message = http.StatusText(code)
	}
	return &EventError{Code: code, Message: message}
}

func (e *EventError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wsflow: %d %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("wsflow: %d %s", e.Code, e.Message)
}

func (e *EventError) Unwrap() error {
	return e.Cause
}

// Is matches another EventError with the same code.
func (e *EventError) Is(target error) bool {
	t, ok := target.(*EventError)
	return ok && t.Code == e.Code
}

// WithCause returns a copy of e carrying cause.
func (e *EventError) WithCause(cause error) *EventError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// AsEventError converts any error into an EventError. Errors that are not
// EventErrors become 500 Internal Server Error with the original message.
func AsEventError(err error) *EventError {
	if err == nil {
		return nil
	}
	var ee *EventError
	if sterrors.As(err, &ee) {
		return ee
	}
	return &EventError{Code: http.StatusInternalServerError, Message: err.Error(), Cause: err}
}

// ErrorBody is the wire shape of a structured error: {"error":{"code","message"}}.
type ErrorBody struct {
	Error *EventError `json:"error"`
}
