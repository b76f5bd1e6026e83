// Package handlers builds typed inbound event handlers. The event data is
// decoded into the handler's payload type before the handler runs and
// decoding failures are answered with 400 Bad Request.
package handlers

import (
	"github.com/drblury/wsflow/internal/runtime/binding"
)

// Header keys reserved on inbound events.
const (
	// HeaderCorrelationID tracks related events across services.
	HeaderCorrelationID = "correlation_id"
	// HeaderTraceID stores the distributed tracing id.
	HeaderTraceID = "trace_id"
)

// EventContext gives a typed handler its payload and the connection it
// arrived on.
type EventContext[T any] struct {
	Payload T
	Event   binding.Event
	Conn    binding.Connection
}

// Header returns the string value of an event header.
func (c EventContext[T]) Header(key string) string {
	v, _ := c.Event.Headers[key].(string)
	return v
}

// CorrelationID returns the correlation id header, if present.
func (c EventContext[T]) CorrelationID() string {
	return c.Header(HeaderCorrelationID)
}
