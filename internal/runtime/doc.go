/*
Package runtime wires the wsflow components into a serving process.

# Architecture Overview

A Service owns one connection registry, one broadcast engine, one fan-out
adapter and one binding. Client connections arrive through the binding,
are admitted and registered, and their events run through the middleware
chain into service handlers. Broadcasts are evaluated against the registry
of the local process and published through the adapter so every other
process replays them against its own registry.

# Package Structure

## Core Service (service.go)

The Service struct is the process lifetime object. It wires:
  - Connection registry (registry/)
  - Broadcast engine and fan-out envelope codec (broadcast/)
  - Fan-out adapter over the transport registry (fanout/)
  - Binding, raw WebSocket or Socket.IO (binding/)
  - chi router with CORS, the status endpoint and /metrics

## Middleware (middleware.go, hooks.go)

Inbound events pass through a composable chain:
  - CorrelationID: stamps a correlation id header
  - LogEvents: debug logging of inbound events
  - Tracer: OpenTelemetry span per event
  - Metrics: Prometheus counters and durations
  - Stats: per-event statistics for the status endpoint
  - Timeout: optional handler deadline

EventHooks observe the start, completion and failure of every event.

## Stats & Monitoring (stats.go, resources.go, status.go, metrics.go)

  - Latency percentiles (p50, p95, p99) and throughput per event
  - Error categorization by status class
  - Process resource sampling
  - GET /status with adapter state and connection counts

# Sub-packages

  - binding/: WebSocket and Socket.IO bindings, admission, Connection
  - broadcast/: filters, the engine and the fan-out envelope
  - cloudevents/: CloudEvents envelope used by the cloudevent format
  - config/: configuration with validation and loading
  - errors/: sentinel errors and EventError
  - fanout/: fan-out adapter with reconnect loop
  - format/: wire formats (json, identity, generic, cloudevent, pcp)
  - handlers/: typed JSON and protobuf event handlers
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling
  - logging/: logger interface and adapters
  - metadata/: fan-out message metadata
  - model/: service definitions
  - registry/: connection registry

# Usage Example

	conf := &config.Config{
		Path:    "/ws",
		Adapter: config.AdapterConfig{Impl: "nats", Options: config.AdapterOptions{NATSURL: "nats://localhost:4222"}},
	}

	svc := runtime.NewService(conf, logger, runtime.ServiceDependencies{
		Authenticator: binding.HeaderAuthenticator(true),
	})

	_ = svc.RegisterService(binding.Service{
		Def:      chatDefinition,
		Handlers: map[string]binding.Handler{"message": onMessage},
	})

	_ = svc.Start(ctx)
*/
package runtime
