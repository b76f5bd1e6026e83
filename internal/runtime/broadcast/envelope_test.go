package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = NewCodec("proto")
	require.NoError(t, err)
	assert.Equal(t, "proto", c.Name())

	c, err = NewCodec("raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", c.Name())

	_, err = NewCodec("avro")
	assert.Error(t, err)
}

func TestEnvelopeCodecs(t *testing.T) {
	req := Request{
		Tenant:  "t1",
		Service: "/chat",
		Event:   "received",
		Data:    map[string]any{"text": "hi", "count": float64(3), "tags": []any{"a", "b"}},
		Headers: map[string]any{"priority": "high"},
		Filter: Filter{
			User:    Selector{Include: []string{"alice"}},
			Context: Selector{Exclude: []string{"room1"}},
		},
		Exclude: "conn-1",
	}
	want := NewEnvelope(req)

	for _, c := range []Codec{JSONCodec{}, ProtoCodec{}, RawCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			raw, err := c.Marshal(want)
			require.NoError(t, err)
			got, err := c.Unmarshal(raw)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, req.Filter, got.Filter())
		})
	}
}

func TestEnvelopeDefaultsData(t *testing.T) {
	got, err := JSONCodec{}.Unmarshal([]byte(`{"tenant":"t1","event":"ping"}`))
	require.NoError(t, err)
	assert.NotNil(t, got.Data)
	assert.Empty(t, got.Data)

	_, err = ProtoCodec{}.Unmarshal([]byte{0xff, 0xff})
	assert.Error(t, err)
}
