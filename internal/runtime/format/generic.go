package format

import (
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	"github.com/drblury/wsflow/internal/runtime/model"
)

// DefaultGenericIdentifier is the payload key naming the event or operation
// of a generic frame.
const DefaultGenericIdentifier = "event"

// genericFormat maps annotated attributes to top-level keys of a flat JSON
// object. Attributes are declared with `@ws.generic.<attr>` (or the
// `@websocket.` namespace) on an event, operation or element.
type genericFormat struct {
	table *table
}

func newGeneric(svc *model.Service) *genericFormat {
	return &genericFormat{table: compileTable(Generic, DefaultGenericIdentifier, svc)}
}

func (g *genericFormat) Name() string { return Generic }

func (g *genericFormat) Parse(raw []byte) Message {
	payload, err := jsoncodec.DecodeObject(raw)
	if err != nil {
		return emptyMessage()
	}
	name := stringValue(payload[g.table.identifier])
	d := g.table.match(name)
	if d == nil {
		delete(payload, g.table.identifier)
		return Message{Event: name, Data: payload}
	}
	data, headers := g.table.extract(d, payload)
	return Message{Event: d.name, Data: data, Headers: headers}
}

func (g *genericFormat) Compose(event string, data map[string]any, headers map[string]any) ([]byte, error) {
	attrs, body := g.table.resolve(event, data, headers)
	for k, v := range attrs {
		body[k] = v
	}
	return jsoncodec.Marshal(body)
}
