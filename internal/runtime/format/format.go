// Package format implements the wire formats that turn raw websocket frames
// into (event, data, headers) messages and back.
package format

import (
	"fmt"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/model"
)

// Format names.
const (
	JSON       = "json"
	Identity   = "identity"
	Generic    = "generic"
	CloudEvent = "cloudevent"
	PCP        = "pcp"
)

// Message is a decoded inbound frame.
type Message struct {
	// Event is the event or operation name. Empty when the frame could not
	// be matched.
	Event string
	// Data is never nil.
	Data map[string]any
	// Headers carries format-level attributes found next to the data, for
	// example CloudEvents context attributes or PCP fields.
	Headers map[string]any
}

func emptyMessage() Message {
	return Message{Data: map[string]any{}}
}

// Format encodes and decodes frames for one service.
type Format interface {
	Name() string
	// Parse decodes a frame. It never fails: unrecognised input yields a
	// Message with an empty Event and empty Data.
	Parse(raw []byte) Message
	// Compose encodes an outbound event.
	Compose(event string, data map[string]any, headers map[string]any) ([]byte, error)
}

// New builds the named format for a service. Annotation driven formats
// compile the service's definitions once here.
func New(name string, svc *model.Service) (Format, error) {
	if svc == nil {
		svc = &model.Service{}
	}
	switch name {
	case JSON:
		return jsonFormat{}, nil
	case Identity:
		return identityFormat{}, nil
	case Generic:
		return newGeneric(svc), nil
	case CloudEvent, "cloudevents":
		return newCloudEvent(svc), nil
	case PCP:
		return newPCP(svc), nil
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownFormat, name)
	}
}

// Set resolves the format of each event of a service: the event's own
// format annotation, then the service format, then the binding default.
type Set struct {
	inbound Format
	byEvent map[string]Format
}

// NewSet compiles every format a service needs.
func NewSet(svc *model.Service, bindingDefault string) (*Set, error) {
	name := svc.Format
	if name == "" {
		name = svc.Annotations.String("format")
	}
	if name == "" {
		name = bindingDefault
	}
	built := map[string]Format{}
	get := func(n string) (Format, error) {
		if f, ok := built[n]; ok {
			return f, nil
		}
		f, err := New(n, svc)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svc.Name, err)
		}
		built[n] = f
		return f, nil
	}

	inbound, err := get(name)
	if err != nil {
		return nil, err
	}
	set := &Set{inbound: inbound, byEvent: map[string]Format{}}
	for _, ev := range svc.Events {
		n := ev.Annotations.String("format")
		if n == "" || n == name {
			continue
		}
		f, err := get(n)
		if err != nil {
			return nil, err
		}
		set.byEvent[ev.Name] = f
	}
	return set, nil
}

// Inbound returns the format used to parse client frames.
func (s *Set) Inbound() Format {
	return s.inbound
}

// ForEvent returns the format used to compose the given event.
func (s *Set) ForEvent(event string) Format {
	if f, ok := s.byEvent[event]; ok {
		return f
	}
	return s.inbound
}
