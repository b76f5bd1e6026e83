package format

import (
	"fmt"

	"github.com/drblury/wsflow/internal/runtime/cloudevents"
	idspkg "github.com/drblury/wsflow/internal/runtime/ids"
	"github.com/drblury/wsflow/internal/runtime/model"
)

// cloudEventFormat is the generic mapper specialised for CloudEvents v1.0
// structured JSON. The event type is the identifier; remaining data is nested
// under "data".
type cloudEventFormat struct {
	table  *table
	source string
}

// implicit context attributes callers may set through headers without
// declaring them.
var cloudEventImplicit = []string{
	cloudevents.AttrSpecVersion,
	cloudevents.AttrSource,
	cloudevents.AttrID,
	cloudevents.AttrTime,
	cloudevents.AttrDataContentType,
	cloudevents.AttrDataSchema,
	cloudevents.AttrSubject,
}

func newCloudEvent(svc *model.Service) *cloudEventFormat {
	return &cloudEventFormat{
		table:  compileTable(CloudEvent, cloudevents.AttrType, svc),
		source: svc.NormalizedPath(),
	}
}

func (c *cloudEventFormat) Name() string { return CloudEvent }

func (c *cloudEventFormat) Parse(raw []byte) Message {
	var evt cloudevents.Event
	if err := evt.UnmarshalJSON(raw); err != nil {
		return emptyMessage()
	}
	envelope := evt.ToMap()
	nested, _ := envelope[cloudevents.AttrData].(map[string]any)
	delete(envelope, cloudevents.AttrData)

	flat := make(map[string]any, len(envelope)+len(nested))
	for k, v := range nested {
		flat[k] = v
	}
	for k, v := range envelope {
		flat[k] = v
	}

	name := stringValue(flat[c.table.identifier])
	d := c.table.match(name)
	if d == nil {
		if nested == nil {
			nested = map[string]any{}
		}
		return Message{Event: name, Data: nested, Headers: envelope}
	}
	data, headers := c.table.extract(d, flat)
	for k, v := range envelope {
		if _, ok := headers[k]; !ok {
			headers[k] = v
		}
	}
	return Message{Event: d.name, Data: data, Headers: headers}
}

func (c *cloudEventFormat) Compose(event string, data map[string]any, headers map[string]any) ([]byte, error) {
	attrs, body := c.table.resolve(event, data, headers, cloudEventImplicit...)
	evt, err := cloudevents.FromMap(attrs)
	if err != nil {
		return nil, fmt.Errorf("cloudevent %q: %w", event, err)
	}
	if evt.SpecVersion == "" {
		evt.SpecVersion = cloudevents.SpecVersion
	}
	if evt.Source == "" {
		evt.Source = c.source
	}
	if evt.ID == "" {
		evt.ID = idspkg.CreateULID()
	}
	if evt.Time.IsZero() {
		evt.Time = cloudevents.Now()
	}
	if evt.DataContentType == nil {
		ct := cloudevents.ContentTypeJSON
		evt.DataContentType = &ct
	}
	evt.Data = body
	return evt.MarshalJSON()
}
