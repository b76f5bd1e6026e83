package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	"github.com/drblury/wsflow/internal/runtime/model"
)

// attrSpec is one compiled annotation attribute of a definition.
type attrSpec struct {
	attr       string
	aliases    []string
	def        any
	hasDefault bool
	// field is the element mapped onto the attribute, or "".
	field string
}

// definition is a compiled event or operation.
type definition struct {
	name string
	// ident is the identifier value from the `<fmt>.<identifier>`
	// annotation, or "".
	ident    string
	elements []model.Element
	attrs    []*attrSpec
	byField  map[string]*attrSpec
	ignored  map[string]bool
}

func (d *definition) matches(name string) bool {
	return name != "" && (d.name == name || d.ident == name)
}

// identValue is the value emitted for the identifier attribute.
func (d *definition) identValue() string {
	if d.ident != "" {
		return d.ident
	}
	return d.name
}

// table is the immutable annotation table of one service for one format.
type table struct {
	format     string
	identifier string
	operations []*definition
	events     []*definition
	byEvent    map[string]*definition
}

// compileTable scans the annotations of every event and operation of svc
// once. The identifier key can be overridden on the service with
// `@ws.<fmt>.identifier`.
func compileTable(formatName, identifier string, svc *model.Service) *table {
	if override := svc.Annotations.String(formatName + ".identifier"); override != "" {
		identifier = override
	}
	t := &table{
		format:     formatName,
		identifier: identifier,
		byEvent:    map[string]*definition{},
	}
	for _, op := range svc.Operations {
		t.operations = append(t.operations, t.compile(op.Name, op.Annotations, op.Params))
	}
	for _, ev := range svc.Events {
		d := t.compile(ev.Name, ev.Annotations, ev.Elements)
		t.events = append(t.events, d)
		t.byEvent[ev.Name] = d
	}
	return t
}

func (t *table) compile(name string, annotations model.Annotations, elements []model.Element) *definition {
	d := &definition{
		name:     name,
		elements: elements,
		byField:  map[string]*attrSpec{},
		ignored:  map[string]bool{},
	}
	specs := map[string]*attrSpec{}
	spec := func(attr string) *attrSpec {
		s, ok := specs[attr]
		if !ok {
			s = &attrSpec{attr: attr, aliases: headerAliases(t.format, attr)}
			specs[attr] = s
		}
		return s
	}

	for attr, v := range annotations.Scoped(t.format) {
		if attr == t.identifier {
			d.ident = stringValue(v)
			continue
		}
		s := spec(attr)
		s.def, s.hasDefault = v, true
	}
	for _, el := range elements {
		if el.Annotations.Flag("ignore") {
			d.ignored[el.Name] = true
			continue
		}
		for attr, v := range el.Annotations.Scoped(t.format) {
			if attr == t.identifier {
				continue
			}
			s := spec(attr)
			s.field = el.Name
			if b, isBool := v.(bool); !(isBool && b) && !s.hasDefault {
				s.def, s.hasDefault = v, true
			}
			d.byField[el.Name] = s
		}
	}

	names := make([]string, 0, len(specs))
	for attr := range specs {
		names = append(names, attr)
	}
	sort.Strings(names)
	for _, attr := range names {
		d.attrs = append(d.attrs, specs[attr])
	}
	return d
}

// match finds the operation, then the event, identified by name.
func (t *table) match(name string) *definition {
	for _, d := range t.operations {
		if d.matches(name) {
			return d
		}
	}
	for _, d := range t.events {
		if d.matches(name) {
			return d
		}
	}
	return nil
}

// resolve computes the attributes of an outbound event. Each attribute takes
// the first of: caller header, annotation default, mapped data field. Mapped
// fields that were used are removed from the returned body; ignored
// elements are always removed.
func (t *table) resolve(event string, data, headers map[string]any, implicit ...string) (attrs, body map[string]any) {
	body = make(map[string]any, len(data))
	for k, v := range data {
		body[k] = v
	}
	attrs = map[string]any{}

	d := t.byEvent[event]
	declared := map[string]bool{t.identifier: true}
	if d != nil {
		for field := range d.ignored {
			delete(body, field)
		}
		for _, s := range d.attrs {
			declared[s.attr] = true
			if v, ok := lookupHeader(headers, t.format, s.aliases); ok {
				attrs[s.attr] = v
				continue
			}
			if s.hasDefault {
				attrs[s.attr] = s.def
				continue
			}
			if s.field != "" {
				if v, ok := body[s.field]; ok {
					attrs[s.attr] = v
					delete(body, s.field)
				}
			}
		}
	}
	for _, attr := range implicit {
		if declared[attr] {
			continue
		}
		if v, ok := lookupHeader(headers, t.format, headerAliases(t.format, attr)); ok {
			attrs[attr] = v
		}
	}

	ident := event
	if d != nil {
		ident = d.identValue()
	}
	if v, ok := lookupHeader(headers, t.format, headerAliases(t.format, t.identifier)); ok {
		ident = stringValue(v)
	}
	attrs[t.identifier] = ident
	return attrs, body
}

// extract maps a flat inbound payload onto the declared elements of d. For
// each element the header mapped onto it wins over the annotation default,
// which wins over the payload field of the same name.
func (t *table) extract(d *definition, payload map[string]any) (data, headers map[string]any) {
	data = map[string]any{}
	headers = map[string]any{}
	for _, el := range d.elements {
		if d.ignored[el.Name] {
			continue
		}
		if s := d.byField[el.Name]; s != nil {
			if v, ok := lookupHeader(payload, t.format, s.aliases); ok {
				data[el.Name] = v
				continue
			}
			if s.hasDefault {
				data[el.Name] = s.def
				continue
			}
		}
		if v, ok := payload[el.Name]; ok {
			data[el.Name] = v
		}
	}
	for _, s := range d.attrs {
		if v, ok := lookupHeader(payload, t.format, s.aliases); ok {
			headers[s.attr] = v
		}
	}
	return data, headers
}

// headerAliases lists the accepted header spellings of attr, most specific
// first.
func headerAliases(formatName, attr string) []string {
	return []string{
		formatName + "-" + attr,
		formatName + "_" + attr,
		formatName + "." + attr,
		formatName + attr,
		attr,
	}
}

// lookupHeader returns the first alias present in headers. A nested
// headers[format][attr] map is honoured before the bare attribute name.
func lookupHeader(headers map[string]any, formatName string, aliases []string) (any, bool) {
	if len(headers) == 0 {
		return nil, false
	}
	last := len(aliases) - 1
	for i, alias := range aliases {
		if i == last {
			if nested, ok := headers[formatName].(map[string]any); ok {
				if v, ok := nested[alias]; ok && v != nil {
					return v, true
				}
			}
		}
		if v, ok := headers[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// stringValue renders a scalar as text and anything else as JSON.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(t)
	default:
		raw, err := jsoncodec.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(string(raw))
	}
}
