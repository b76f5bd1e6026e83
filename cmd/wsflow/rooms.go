package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/drblury/wsflow"
)

// roomRequest is the payload of the join, leave and say operations.
type roomRequest struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

func roomsDefinition() *wsflow.ServiceDefinition {
	return &wsflow.ServiceDefinition{
		Name: "rooms",
		Path: "/rooms",
		Operations: []wsflow.Operation{
			{Name: "join", Params: []wsflow.Element{{Name: "room"}}},
			{Name: "leave", Params: []wsflow.Element{{Name: "room"}}},
			{Name: "say", Params: []wsflow.Element{{Name: "room"}, {Name: "text"}}},
		},
		Events: []wsflow.EventDefinition{
			{Name: "message", Elements: []wsflow.Element{{Name: "room"}, {Name: "user"}, {Name: "text"}}},
			{Name: "presence", Elements: []wsflow.Element{{Name: "room"}, {Name: "user"}, {Name: "joined"}}},
		},
	}
}

// roomsService lets clients join named rooms and talk to everyone in them,
// on every process sharing the fan-out channel.
func roomsService() wsflow.BindingService {
	return wsflow.BindingService{
		Def: roomsDefinition(),
		Handlers: map[string]wsflow.Handler{
			"join":  wsflow.MustJSON(joinRoom),
			"leave": wsflow.MustJSON(leaveRoom),
			"say":   wsflow.MustJSON(sayInRoom),
		},
	}
}

func roomOf(req *roomRequest) (string, error) {
	room := strings.TrimSpace(req.Room)
	if room == "" {
		return "", wsflow.NewEventError(http.StatusBadRequest, "room is required")
	}
	return room, nil
}

func inRoom(room string) wsflow.Filter {
	return wsflow.Filter{Context: wsflow.Selector{Include: []string{room}}}
}

func joinRoom(ctx context.Context, ev wsflow.EventContext[*roomRequest]) (any, error) {
	room, err := roomOf(ev.Payload)
	if err != nil {
		return nil, err
	}
	ev.Conn.Enter(room)
	if _, err := ev.Conn.Broadcast(ctx, "presence", map[string]any{
		"room":   room,
		"user":   ev.Conn.User(),
		"joined": true,
	}, inRoom(room), nil); err != nil {
		return nil, err
	}
	return map[string]any{"rooms": ev.Conn.Contexts()}, nil
}

func leaveRoom(ctx context.Context, ev wsflow.EventContext[*roomRequest]) (any, error) {
	room, err := roomOf(ev.Payload)
	if err != nil {
		return nil, err
	}
	ev.Conn.Exit(room)
	if _, err := ev.Conn.Broadcast(ctx, "presence", map[string]any{
		"room":   room,
		"user":   ev.Conn.User(),
		"joined": false,
	}, inRoom(room), nil); err != nil {
		return nil, err
	}
	return map[string]any{"rooms": ev.Conn.Contexts()}, nil
}

func sayInRoom(ctx context.Context, ev wsflow.EventContext[*roomRequest]) (any, error) {
	room, err := roomOf(ev.Payload)
	if err != nil {
		return nil, err
	}
	if ev.Payload.Text == "" {
		return nil, wsflow.NewEventError(http.StatusBadRequest, "text is required")
	}
	res, err := ev.Conn.BroadcastAll(ctx, "message", map[string]any{
		"room": room,
		"user": ev.Conn.User(),
		"text": ev.Payload.Text,
	}, inRoom(room), map[string]any{wsflow.HeaderCorrelationID: ev.CorrelationID()})
	if err != nil {
		return nil, err
	}
	return map[string]any{"delivered": res.Delivered}, nil
}
