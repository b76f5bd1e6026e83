package handlers

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/wsflow/internal/runtime/binding"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
)

// ProtoHandler handles an event whose data decodes into the protobuf
// message T. A proto.Message result is converted to its JSON mapping.
type ProtoHandler[T proto.Message] func(ctx context.Context, ev EventContext[T]) (any, error)

var protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// Proto converts a typed protobuf handler into a binding handler. Event
// data is read with the protobuf JSON mapping; unknown fields are ignored.
func Proto[T proto.Message](handler ProtoHandler[T]) (binding.Handler, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	newPayload, err := pointerFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
		payload := newPayload()
		if len(ev.Data) > 0 {
			st, err := structpb.NewStruct(ev.Data)
			if err != nil {
				return nil, errspkg.NewEventError(http.StatusBadRequest, "").WithCause(err)
			}
			raw, err := protojson.Marshal(st)
			if err != nil {
				return nil, errspkg.NewEventError(http.StatusBadRequest, "").WithCause(err)
			}
			if err := protoUnmarshal.Unmarshal(raw, payload); err != nil {
				return nil, errspkg.NewEventError(http.StatusBadRequest, fmt.Sprintf("invalid %s payload", ev.Name)).WithCause(err)
			}
		}

		res, err := handler(ctx, EventContext[T]{Payload: payload, Event: ev, Conn: c})
		if err != nil {
			return nil, err
		}
		if msg, ok := res.(proto.Message); ok {
			return protoResult(msg)
		}
		return res, nil
	}, nil
}

// MustProto is Proto that panics on error.
func MustProto[T proto.Message](handler ProtoHandler[T]) binding.Handler {
	h, err := Proto(handler)
	if err != nil {
		panic(err)
	}
	return h
}

// protoResult converts msg to a generic JSON value so every format can
// compose it.
func protoResult(msg proto.Message) (any, error) {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T result: %w", msg, err)
	}
	var out any
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
