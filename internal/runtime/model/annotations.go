package model

import "strings"

// Annotation namespaces. Both spellings are equivalent; when a definition
// carries the same key in both, the short namespace wins.
const (
	NamespaceLong  = "@websocket."
	NamespaceShort = "@ws."
)

// Annotations maps annotation keys (for example "@ws.pcp.action") to values.
// A bare flag annotation has the value true.
type Annotations map[string]any

// Lookup returns the value of the annotation at path (for example
// "pcp.action"), checking both namespaces.
func (a Annotations) Lookup(path string) (any, bool) {
	if v, ok := a[NamespaceShort+path]; ok {
		return v, true
	}
	v, ok := a[NamespaceLong+path]
	return v, ok
}

// String returns the annotation at path as a string, or "" when it is absent
// or not a string.
func (a Annotations) String(path string) string {
	v, _ := a.Lookup(path)
	s, _ := v.(string)
	return s
}

// Flag reports whether the annotation at path is present and truthy.
func (a Annotations) Flag(path string) bool {
	v, ok := a.Lookup(path)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != "" && t != "false"
	default:
		return true
	}
}

// Scoped returns every annotation under "<ns><scope>." with the scope prefix
// removed, for example Scoped("pcp") yields {"action": "MESSAGE"} for
// "@ws.pcp.action". Nested keys keep their remaining dots.
func (a Annotations) Scoped(scope string) map[string]any {
	out := map[string]any{}
	// long namespace first so the short one overrides it
	for _, ns := range []string{NamespaceLong, NamespaceShort} {
		prefix := ns + scope + "."
		for k, v := range a {
			if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
				out[rest] = v
			}
		}
	}
	return out
}
