package wsflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type greeting struct {
	Name string `json:"name"`
}

func TestTypedHandlerExports(t *testing.T) {
	h, err := JSON(func(_ context.Context, ev EventContext[*greeting]) (any, error) {
		return map[string]any{"hello": ev.Payload.Name}, nil
	})
	require.NoError(t, err)

	res, err := h(context.Background(), nil, Event{Name: "greet", Data: map[string]any{"name": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hello": "ada"}, res)

	_, err = JSON[greeting](func(context.Context, EventContext[greeting]) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrPayloadPointerNeeded)

	_, err = Proto[*structpb.Struct](nil)
	assert.ErrorIs(t, err, ErrHandlerRequired)
	assert.NotNil(t, MustProto(func(context.Context, EventContext[*structpb.Struct]) (any, error) { return nil, nil }))
}

func TestConfigExports(t *testing.T) {
	_, err := TryNewService(nil, NewNopLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, ErrConfigRequired)

	conf := &Config{Kind: KindSocketIO, Operator: OperatorConfig{Exclude: OperatorAnd}}
	conf.ApplyDefaults()
	require.NoError(t, ValidateConfig(conf))

	conf.Kind = "long-polling"
	assert.Error(t, ValidateConfig(conf))
	assert.Error(t, ValidateConfig(nil))
}

func TestFormatExports(t *testing.T) {
	def := &ServiceDefinition{Name: "chat", Path: "/chat"}
	f, err := NewFormat(FormatGeneric, def)
	require.NoError(t, err)
	assert.Equal(t, FormatGeneric, f.Name())

	_, err = NewFormat("xml", def)
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Equal(t, "/chat", NormalizePath("chat/"))
}

func TestEncodingExports(t *testing.T) {
	raw, err := Marshal(map[string]string{"hello": "world"})
	require.NoError(t, err)
	assert.True(t, Valid(raw))

	var out map[string]string
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, "world", out["hello"])
}

func TestErrorExports(t *testing.T) {
	err := NewEventError(422, "bad input")
	assert.Same(t, err, AsEventError(err))
	assert.Equal(t, ErrorCategoryClient, ClassifyEventError(err))
	assert.Equal(t, ErrorCategoryCancelled, ClassifyEventError(context.Canceled))
	assert.Equal(t, ErrorCategory("none"), ErrorCategoryNone)
}

func TestMetadataAndIDExports(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
	assert.Len(t, CreateULID(), 26)
}
