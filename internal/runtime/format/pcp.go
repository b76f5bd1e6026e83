package format

import (
	"cmp"
	"regexp"
	"sort"
	"strings"

	"github.com/drblury/wsflow/internal/runtime/model"
)

// PCP field names and defaults.
const (
	PCPAction        = "pcp-action"
	PCPEvent         = "pcp-event"
	PCPBodyType      = "pcp-body-type"
	PCPDefaultAction = "MESSAGE"

	pcpFieldPrefix = "pcp-"
	pcpSeparator   = "\n\n"
)

var pcpFieldPattern = regexp.MustCompile(`((?:[^:\\\n]|(?:\\.))+):((?:[^:\\\n]|(?:\\.))*)`)

// pcpFormat is the push channel protocol: escaped `key:value` header lines,
// a blank line, then the raw body.
type pcpFormat struct {
	svc *model.Service
}

func newPCP(svc *model.Service) *pcpFormat {
	return &pcpFormat{svc: svc}
}

func (p *pcpFormat) Name() string { return PCP }

func (p *pcpFormat) Parse(raw []byte) Message {
	text := string(raw)
	split := strings.Index(text, pcpSeparator)
	if split < 0 {
		return emptyMessage()
	}
	body := text[split+len(pcpSeparator):]
	fields := parsePCPFields(text[:split])

	action := fields[PCPAction]
	if action == "" {
		action = PCPDefaultAction
	}
	headers := map[string]any{}
	for k, v := range fields {
		if strings.HasPrefix(k, pcpFieldPrefix) {
			headers[k] = v
		}
	}
	headers[PCPAction] = action

	name, elements, ok := p.match(action, fields[PCPEvent])
	if !ok {
		data := map[string]any{}
		for k, v := range fields {
			if !strings.HasPrefix(k, pcpFieldPrefix) {
				data[k] = v
			}
		}
		if body != "" {
			data["message"] = body
		}
		event := fields[PCPEvent]
		if event == "" {
			event = action
		}
		return Message{Event: event, Data: data, Headers: headers}
	}

	data := map[string]any{}
	for _, el := range elements {
		switch {
		case el.Annotations.Flag("ignore"):
		case el.Annotations.Flag("pcp.message"):
			data[el.Name] = body
		default:
			if v, ok := fields[el.Name]; ok {
				data[el.Name] = v
			}
		}
	}
	return Message{Event: name, Data: data, Headers: headers}
}

// match resolves the definition addressed by a frame. A pcp-event field
// selects an event; otherwise operations are matched by action first.
// Definitions without a pcp.action annotation answer to PCPDefaultAction.
func (p *pcpFormat) match(action, event string) (string, []model.Element, bool) {
	if event != "" {
		if ev, ok := p.svc.Event(event); ok {
			return ev.Name, ev.Elements, true
		}
	}
	for _, op := range p.svc.Operations {
		if pcpActionOf(op.Annotations) == action || op.Name == action {
			return op.Name, op.Params, true
		}
	}
	for _, ev := range p.svc.Events {
		if pcpActionOf(ev.Annotations) == action || ev.Name == action {
			return ev.Name, ev.Elements, true
		}
	}
	return "", nil, false
}

func pcpActionOf(a model.Annotations) string {
	return cmp.Or(a.String("pcp.action"), PCPDefaultAction)
}

func (p *pcpFormat) Compose(event string, data map[string]any, headers map[string]any) ([]byte, error) {
	def, _ := p.svc.Event(event)

	var annotations model.Annotations
	var elements []model.Element
	var messageField, actionField string
	if def != nil {
		annotations = def.Annotations
		elements = def.Elements
		for _, el := range elements {
			if messageField == "" && el.Annotations.Flag("pcp.message") {
				messageField = el.Name
			}
			if actionField == "" && el.Annotations.Flag("pcp.action") {
				actionField = el.Name
			}
		}
	}

	var body any = ""
	if v, ok := annotations.Lookup("pcp.message"); ok && isText(v) {
		body = v
	} else if v, ok := lookupHeader(headers, PCP, headerAliases(PCP, "message")); ok {
		body = v
	} else if v, ok := data[messageField]; ok && messageField != "" && v != nil {
		body = v
	}

	action := annotations.String("pcp.action")
	if action == "" {
		if v, ok := lookupHeader(headers, PCP, headerAliases(PCP, "action")); ok {
			action = stringValue(v)
		} else if actionField != "" {
			action = stringValue(data[actionField])
		}
	}
	if action == "" {
		action = PCPDefaultAction
	}

	var b strings.Builder
	skip := map[string]bool{messageField: true, actionField: true}
	writeField := func(name string, value any) {
		if skip[name] || strings.HasPrefix(name, pcpFieldPrefix) {
			return
		}
		s := stringValue(value)
		if s == "" {
			return
		}
		b.WriteString(EscapePCP(name))
		b.WriteByte(':')
		b.WriteString(EscapePCP(s))
		b.WriteByte('\n')
	}
	if def != nil {
		for _, el := range elements {
			if el.Annotations.Flag("ignore") {
				continue
			}
			if v, ok := data[el.Name]; ok {
				writeField(el.Name, v)
			}
		}
	} else {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(k, data[k])
		}
	}

	b.WriteString(PCPAction + ":" + EscapePCP(action) + "\n")
	if annotations.Flag("pcp.event") {
		b.WriteString(PCPEvent + ":" + EscapePCP(event) + "\n")
	}
	b.WriteString(PCPBodyType + ":" + pcpBodyType(body) + "\n")
	b.WriteByte('\n')

	out := []byte(b.String())
	switch v := body.(type) {
	case []byte:
		out = append(out, v...)
	default:
		out = append(out, stringValue(v)...)
	}
	return out, nil
}

func isText(v any) bool {
	switch v.(type) {
	case string, []byte:
		return true
	}
	return false
}

func pcpBodyType(body any) string {
	switch body.(type) {
	case string:
		return "text"
	case []byte:
		return "binary"
	default:
		return ""
	}
}

func parsePCPFields(header string) map[string]string {
	fields := map[string]string{}
	for _, m := range pcpFieldPattern.FindAllStringSubmatch(header, -1) {
		fields[UnescapePCP(m[1])] = UnescapePCP(m[2])
	}
	return fields
}

// EscapePCP escapes backslash, colon and newline, in that order.
func EscapePCP(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `:`, `\:`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

// UnescapePCP reverses EscapePCP. Escaped backslashes are parked on a
// sentinel character absent from s so that `\\n` is not read as a newline.
func UnescapePCP(s string) string {
	sentinel := pcpSentinel(s)
	s = strings.ReplaceAll(s, `\\`, sentinel)
	s = strings.ReplaceAll(s, `\:`, ":")
	s = strings.ReplaceAll(s, `\n`, "\n")
	return strings.ReplaceAll(s, sentinel, `\`)
}

func pcpSentinel(s string) string {
	if !strings.ContainsRune(s, '\b') {
		return "\b"
	}
	for r := rune(0xE000); r <= 0xF8FF; r++ {
		if !strings.ContainsRune(s, r) {
			return string(r)
		}
	}
	return "\x00"
}
