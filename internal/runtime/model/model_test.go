package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnotationsLookupBothNamespaces(t *testing.T) {
	a := Annotations{
		"@websocket.pcp.action": "LONG",
		"@ws.format":            "pcp",
		"@ws.pcp.event":         true,
	}

	v, ok := a.Lookup("pcp.action")
	require.True(t, ok)
	assert.Equal(t, "LONG", v)
	assert.Equal(t, "pcp", a.String("format"))
	assert.True(t, a.Flag("pcp.event"))
	assert.False(t, a.Flag("pcp.message"))

	a["@ws.pcp.action"] = "SHORT"
	assert.Equal(t, "SHORT", a.String("pcp.action"))
}

func TestAnnotationsFlagValues(t *testing.T) {
	a := Annotations{"@ws.a": "false", "@ws.b": "yes", "@ws.c": 1, "@ws.d": nil, "@ws.e": false}
	assert.False(t, a.Flag("a"))
	assert.True(t, a.Flag("b"))
	assert.True(t, a.Flag("c"))
	assert.False(t, a.Flag("d"))
	assert.False(t, a.Flag("e"))
}

func TestAnnotationsScoped(t *testing.T) {
	a := Annotations{
		"@websocket.cloudevent.subject": "long",
		"@ws.cloudevent.subject":        "short",
		"@ws.cloudevent.ext.nested":     1,
		"@ws.cloudevent.":               "ignored",
		"@ws.pcp.action":                "other scope",
		"@cds.persistence":              true,
	}
	assert.Equal(t, map[string]any{"subject": "short", "ext.nested": 1}, a.Scoped("cloudevent"))
	assert.Empty(t, Annotations(nil).Scoped("pcp"))
}

func TestServiceLookupsAndValidate(t *testing.T) {
	svc := &Service{
		Name: "chat",
		Path: "chat/",
		Events: []Event{
			{Name: "received", Elements: []Element{{Name: "text"}}},
		},
		Operations: []Operation{{Name: "message"}},
	}
	require.NoError(t, svc.Validate())
	assert.Equal(t, "/chat", svc.NormalizedPath())

	ev, ok := svc.Event("received")
	require.True(t, ok)
	assert.Equal(t, "text", ev.Elements[0].Name)
	_, ok = svc.Event("missing")
	assert.False(t, ok)

	op, ok := svc.Operation("message")
	require.True(t, ok)
	assert.Equal(t, "message", op.Name)
}

func TestServiceValidateErrors(t *testing.T) {
	svc := &Service{
		Events:     []Event{{Name: "a"}, {Name: "a"}, {}},
		Operations: []Operation{{Name: "x"}, {Name: "x"}},
	}
	err := svc.Validate()
	require.Error(t, err)
	for _, want := range []string{"service name is required", "path is required", `duplicate event "a"`, "event name is required", `duplicate operation "x"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", NormalizePath(""))
	assert.Equal(t, "/", NormalizePath("/"))
	assert.Equal(t, "/a/b", NormalizePath("a/b/"))
}
