// Package cloudevents provides the CloudEvents v1.0 envelope used by the
// cloudevent wire format. Extension attributes are flattened into the top
// level of the JSON object as the structured content mode requires.
package cloudevents

import (
	"fmt"
	"time"

	idspkg "github.com/drblury/wsflow/internal/runtime/ids"
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents specification version implemented.
const SpecVersion = "1.0"

// ContentTypeJSON is the datacontenttype injected for JSON payloads.
const ContentTypeJSON = "application/json"

// Context attribute names.
const (
	AttrSpecVersion     = "specversion"
	AttrType            = "type"
	AttrSource          = "source"
	AttrID              = "id"
	AttrTime            = "time"
	AttrDataContentType = "datacontenttype"
	AttrDataSchema      = "dataschema"
	AttrSubject         = "subject"
	AttrData            = "data"
	AttrDataBase64      = "data_base64"
)

var knownAttrs = map[string]bool{
	AttrSpecVersion:     true,
	AttrType:            true,
	AttrSource:          true,
	AttrID:              true,
	AttrTime:            true,
	AttrDataContentType: true,
	AttrDataSchema:      true,
	AttrSubject:         true,
	AttrData:            true,
	AttrDataBase64:      true,
}

// IsContextAttribute reports whether name is a CloudEvents core attribute
// (or the data members) rather than an extension.
func IsContextAttribute(name string) bool {
	return knownAttrs[name]
}

// Event is a CloudEvents v1.0 event.
type Event struct {
	SpecVersion string
	// Type describes the type of event, for example "message.received".
	Type string
	// Source identifies the context in which the event happened. wsflow uses
	// the service path.
	Source string
	// ID uniquely identifies the event within Source.
	ID string

	Time            time.Time
	DataContentType *string
	DataSchema      *string
	Subject         *string

	Data       any
	DataBase64 *string

	// Extensions contains extension attributes, flattened on the wire.
	Extensions map[string]any
}

// New creates an event with the required attributes populated. ID is a ULID
// and Time the current UTC time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          idspkg.CreateULID(),
		Time:        Now(),
		Data:        data,
		Extensions:  make(map[string]any),
	}
}

// WithExtension sets an extension attribute and returns the event.
func (e Event) WithExtension(key string, value any) Event {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// Validate checks that the event has all required CloudEvents attributes.
func (e Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("specversion is required")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// ToMap returns the structured-mode representation of the event with
// extensions flattened next to the context attributes.
func (e Event) ToMap() map[string]any {
	m := make(map[string]any, len(e.Extensions)+8)
	for k, v := range e.Extensions {
		m[k] = v
	}

	m[AttrSpecVersion] = e.SpecVersion
	m[AttrType] = e.Type
	m[AttrSource] = e.Source
	m[AttrID] = e.ID

	if !e.Time.IsZero() {
		m[AttrTime] = FormatTime(e.Time)
	}
	if e.DataContentType != nil {
		m[AttrDataContentType] = *e.DataContentType
	}
	if e.DataSchema != nil {
		m[AttrDataSchema] = *e.DataSchema
	}
	if e.Subject != nil {
		m[AttrSubject] = *e.Subject
	}
	if e.Data != nil {
		m[AttrData] = e.Data
	}
	if e.DataBase64 != nil {
		m[AttrDataBase64] = *e.DataBase64
	}
	return m
}

// FromMap builds an event from a structured-mode attribute map. Unknown keys
// become extensions. String attributes that carry a non-string value are
// rendered with fmt.
func FromMap(m map[string]any) (Event, error) {
	var e Event
	for k, v := range m {
		switch k {
		case AttrSpecVersion:
			e.SpecVersion = stringify(v)
		case AttrType:
			e.Type = stringify(v)
		case AttrSource:
			e.Source = stringify(v)
		case AttrID:
			e.ID = stringify(v)
		case AttrTime:
			switch tv := v.(type) {
			case time.Time:
				e.Time = tv
			case nil:
			default:
				t, err := ParseTime(stringify(tv))
				if err != nil {
					return Event{}, fmt.Errorf("invalid time: %w", err)
				}
				e.Time = t
			}
		case AttrDataContentType:
			e.DataContentType = stringPtr(v)
		case AttrDataSchema:
			e.DataSchema = stringPtr(v)
		case AttrSubject:
			e.Subject = stringPtr(v)
		case AttrData:
			e.Data = v
		case AttrDataBase64:
			e.DataBase64 = stringPtr(v)
		default:
			if e.Extensions == nil {
				e.Extensions = make(map[string]any)
			}
			e.Extensions[k] = v
		}
	}
	return e, nil
}

// MarshalJSON implements json.Marshaler for the structured content mode.
func (e Event) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(e.ToMap())
}

// UnmarshalJSON implements json.Unmarshaler for the structured content mode.
func (e *Event) UnmarshalJSON(data []byte) error {
	m, err := jsoncodec.DecodeObject(data)
	if err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func stringPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := stringify(v)
	return &s
}
