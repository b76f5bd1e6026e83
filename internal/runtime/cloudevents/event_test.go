package cloudevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
)

func TestNew(t *testing.T) {
	evt := New("message.received", "/chat", map[string]any{"text": "hi"})

	assert.Equal(t, SpecVersion, evt.SpecVersion)
	assert.Equal(t, "message.received", evt.Type)
	assert.Equal(t, "/chat", evt.Source)
	assert.Len(t, evt.ID, 26)
	assert.False(t, evt.Time.IsZero())
	assert.NotNil(t, evt.Extensions)
	assert.NoError(t, evt.Validate())
}

func TestEventValidate(t *testing.T) {
	valid := New("t", "/s", nil)
	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr string
	}{
		{"missing specversion", func(e *Event) { e.SpecVersion = "" }, "specversion is required"},
		{"wrong specversion", func(e *Event) { e.SpecVersion = "0.3" }, `specversion must be "1.0"`},
		{"missing type", func(e *Event) { e.Type = "" }, "type is required"},
		{"missing source", func(e *Event) { e.Source = "" }, "source is required"},
		{"missing id", func(e *Event) { e.ID = "" }, "id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := valid
			tt.mutate(&evt)
			err := evt.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToMapFlattensExtensions(t *testing.T) {
	evt := New("order.created", "/orders", map[string]any{"id": 7}).
		WithExtension("tenant", "t1").
		WithExtension("type", "must-not-win")
	m := evt.ToMap()

	assert.Equal(t, "order.created", m[AttrType])
	assert.Equal(t, "t1", m["tenant"])
	assert.Equal(t, map[string]any{"id": 7}, m[AttrData])
	assert.NotContains(t, m, AttrSubject)
	assert.NotContains(t, m, "extensions")
}

func TestFromMap(t *testing.T) {
	m := map[string]any{
		AttrSpecVersion:     "1.0",
		AttrType:            "message",
		AttrSource:          "/chat",
		AttrID:              42.0,
		AttrTime:            "2024-03-01T10:00:00Z",
		AttrDataContentType: ContentTypeJSON,
		AttrSubject:         "room1",
		AttrData:            map[string]any{"text": "hi"},
		"tenant":            "t1",
	}
	evt, err := FromMap(m)
	require.NoError(t, err)

	assert.Equal(t, "42", evt.ID)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), evt.Time)
	require.NotNil(t, evt.DataContentType)
	assert.Equal(t, ContentTypeJSON, *evt.DataContentType)
	require.NotNil(t, evt.Subject)
	assert.Equal(t, "room1", *evt.Subject)
	assert.Nil(t, evt.DataSchema)
	assert.Equal(t, map[string]any{"tenant": "t1"}, evt.Extensions)

	_, err = FromMap(map[string]any{AttrTime: "yesterday"})
	assert.Error(t, err)
}

func TestEventJSONRoundTrip(t *testing.T) {
	original := New("message", "/chat", map[string]any{"text": "hi"}).WithExtension("tenant", "t1")

	raw, err := jsoncodec.Marshal(original)
	require.NoError(t, err)

	flat, err := jsoncodec.DecodeObject(raw)
	require.NoError(t, err)
	assert.Equal(t, "t1", flat["tenant"])
	assert.Equal(t, "1.0", flat[AttrSpecVersion])

	var decoded Event
	require.NoError(t, jsoncodec.Unmarshal(raw, &decoded))
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Type, decoded.Type)
	assert.True(t, original.Time.Equal(decoded.Time))
	assert.Equal(t, map[string]any{"text": "hi"}, decoded.Data)
	assert.Equal(t, "t1", decoded.Extensions["tenant"])
}

func TestEventUnmarshalJSONRejectsNonObject(t *testing.T) {
	var evt Event
	assert.Error(t, evt.UnmarshalJSON([]byte(`[1,2]`)))
	assert.Error(t, evt.UnmarshalJSON([]byte(`{bad`)))
}

func TestIsContextAttribute(t *testing.T) {
	assert.True(t, IsContextAttribute(AttrType))
	assert.True(t, IsContextAttribute(AttrData))
	assert.False(t, IsContextAttribute("tenant"))
}
