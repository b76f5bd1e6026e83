package handlers

import (
	"context"
	"fmt"
	"net/http"
	"reflect"

	"github.com/drblury/wsflow/internal/runtime/binding"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
)

// JSONHandler handles an event whose data decodes into T. The result is
// sent to the caller's acknowledgement.
type JSONHandler[T any] func(ctx context.Context, ev EventContext[T]) (any, error)

// JSON converts a typed handler into a binding handler. T must be a
// pointer type.
func JSON[T any](handler JSONHandler[T]) (binding.Handler, error) {
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
			raw, err := jsoncodec.Marshal(ev.Data)
			if err != nil {
				return nil, errspkg.NewEventError(http.StatusBadRequest, "").WithCause(err)
			}
			if err := jsoncodec.Unmarshal(raw, payload); err != nil {
				return nil, errspkg.NewEventError(http.StatusBadRequest, fmt.Sprintf("invalid %s payload", ev.Name)).WithCause(err)
			}
		}
		return handler(ctx, EventContext[T]{Payload: payload, Event: ev, Conn: c})
	}, nil
}

// MustJSON is JSON that panics on error.
func MustJSON[T any](handler JSONHandler[T]) binding.Handler {
	h, err := JSON(handler)
	if err != nil {
		panic(err)
	}
	return h
}

func pointerFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}
