package broadcast

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
)

// Envelope is the fan-out representation of a broadcast. The sender
// exclusion is not carried: the sender lives on the publishing process.
type Envelope struct {
	Tenant     string         `json:"tenant"`
	Event      string         `json:"event"`
	Data       map[string]any `json:"data"`
	Headers    map[string]any `json:"headers,omitempty"`
	User       Selector       `json:"user"`
	Role       Selector       `json:"role"`
	Context    Selector       `json:"context"`
	Identifier Selector       `json:"identifier"`
}

// NewEnvelope builds the envelope of a request.
func NewEnvelope(req Request) Envelope {
	return Envelope{
		Tenant:     req.Tenant,
		Event:      req.Event,
		Data:       req.Data,
		Headers:    req.Headers,
		User:       req.Filter.User,
		Role:       req.Filter.Role,
		Context:    req.Filter.Context,
		Identifier: req.Filter.Identifier,
	}
}

// Filter returns the filter carried by the envelope.
func (e Envelope) Filter() Filter {
	return Filter{User: e.User, Role: e.Role, Context: e.Context, Identifier: e.Identifier}
}

// Codec serializes envelopes for the fan-out channel.
type Codec interface {
	Name() string
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte) (Envelope, error)
}

// NewCodec returns the codec registered under name ("json", "proto" or "raw").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	case "raw":
		return RawCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown envelope codec %q", name)
	}
}

// JSONCodec encodes envelopes as JSON documents.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(e Envelope) ([]byte, error) {
	return jsoncodec.Marshal(e)
}

func (JSONCodec) Unmarshal(raw []byte) (Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	return e, nil
}

// ProtoCodec encodes envelopes as a protobuf google.protobuf.Struct.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(e Envelope) ([]byte, error) {
	raw, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, err
	}
	generic, err := jsoncodec.DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func (ProtoCodec) Unmarshal(raw []byte) (Envelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return Envelope{}, err
	}
	js, err := st.MarshalJSON()
	if err != nil {
		return Envelope{}, err
	}
	return JSONCodec{}.Unmarshal(js)
}

// RawCodec makes the engine publish unfiltered broadcasts as the composed
// frame, addressed by tenant and event headers. Filtered broadcasts need
// their selectors and still travel as JSON envelopes.
type RawCodec struct {
	JSONCodec
}

func (RawCodec) Name() string { return "raw" }
