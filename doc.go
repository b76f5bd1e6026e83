// Package wsflow serves websocket-enabled services over plain websockets or
// socket.io and delivers server-side events to filtered sets of connected
// clients, across every process in a cluster.
//
// A Service hosts one binding (ws or socket.io, picked by Config.Kind) under
// a base path. Each registered BindingService pairs a ServiceDefinition with
// its event handlers and wire format. Connections are admitted through an
// Authenticator and an optional Admission hook, then tracked in a
// tenant-scoped registry indexed by user and context so that broadcasts can
// target them:
//
//	svc := wsflow.NewService(conf, wsflow.NewSlogServiceLogger(slog.Default()), wsflow.ServiceDependencies{})
//	_ = svc.RegisterService(wsflow.BindingService{
//		Def:      &wsflow.ServiceDefinition{Name: "chat", Path: "/chat"},
//		Handlers: map[string]wsflow.Handler{"message": onMessage},
//	})
//	_, _ = svc.Broadcast(ctx, wsflow.BroadcastRequest{
//		Service: "chat",
//		Event:   "message",
//		Data:    map[string]any{"text": "hello"},
//		Filter:  wsflow.Filter{Context: wsflow.Selector{Include: []string{"room-1"}}},
//	})
//	_ = svc.Start(ctx)
//
// # Formats
//
// Frames are encoded by one of five formats: json, identity, generic,
// cloudevent and pcp. The format is chosen per event through annotations,
// then per service, then by the binding default.
//
// # Fan-out
//
// Unless Config.Adapter.Local is set, every broadcast is also published on a
// per-service channel so that peer processes deliver it to their own
// connections. The channel is carried by one of the transports under
// wsflow/transport (channel, kafka, rabbitmq, nats, redis, aws, http);
// import wsflow/transport/transports to register all of them.
//
// # Middleware and hooks
//
// Inbound events pass through a middleware chain. The default chain stamps
// a correlation id, logs the event, opens an OpenTelemetry span, records
// Prometheus metrics and collects per-event statistics for the status
// endpoint. EventHooks add OnEventStart, OnEventDone and OnEventError
// callbacks around every handler.
package wsflow
