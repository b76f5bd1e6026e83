// Package broadcast computes broadcast target sets over the connection
// registry, delivers composed frames and hands broadcasts to the fan-out
// adapter.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/format"
	"github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/metadata"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

const tracerName = "github.com/drblury/wsflow/broadcast"

// Origins reported to the Observer.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Request is one broadcast.
type Request struct {
	Tenant string
	// Service is the service path the broadcast is scoped to.
	Service string
	Event   string
	Data    map[string]any
	Headers map[string]any
	Filter  Filter
	// Exclude is the id of the sending connection, never delivered an echo.
	// Empty for broadcasts that include the sender.
	Exclude string
	// Local suppresses the fan-out publish.
	Local bool

	// frame is a frame composed by another process.
	frame []byte
}

// Result summarises a broadcast on this process.
type Result struct {
	Targets   int
	Delivered int
	Skipped   int
	Failed    int
}

// Publisher is the fan-out side of the engine.
type Publisher interface {
	Emit(ctx context.Context, service, path string, payload []byte, md metadata.Metadata) error
}

// Observer receives broadcast statistics, typically Prometheus collectors.
type Observer interface {
	ObserveBroadcast(service, origin string, res Result)
	ObservePublishError(service string)
}

type nopObserver struct{}

func (nopObserver) ObserveBroadcast(string, string, Result) {}
func (nopObserver) ObservePublishError(string)              {}

type boundService struct {
	def     *model.Service
	formats *format.Set
}

// Engine evaluates filters over the registry and delivers frames.
type Engine struct {
	registry  *registry.Registry
	operators Operators
	codec     Codec
	logger    logging.ServiceLogger

	mu        sync.RWMutex
	services  map[string]*boundService
	publisher Publisher
	observer  Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the fan-out publisher. Without one every broadcast is local.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithCodec sets the fan-out envelope codec. JSON is the default.
func WithCodec(c Codec) Option {
	return func(e *Engine) {
		if c != nil {
			e.codec = c
		}
	}
}

// NewEngine creates an engine over reg.
func NewEngine(reg *registry.Registry, ops Operators, logger logging.ServiceLogger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	e := &Engine{
		registry:  reg,
		operators: ops,
		codec:     JSONCodec{},
		logger:    logger,
		services:  map[string]*boundService{},
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPublisher replaces the fan-out publisher.
func (e *Engine) SetPublisher(p Publisher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = p
}

// Codec returns the fan-out envelope codec.
func (e *Engine) Codec() Codec {
	return e.codec
}

// Bind makes a service and its compiled formats known to the engine.
func (e *Engine) Bind(svc *model.Service, formats *format.Set) error {
	path := svc.NormalizedPath()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.services[path]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrServiceAlreadyBound, path)
	}
	e.services[path] = &boundService{def: svc, formats: formats}
	return nil
}

func (e *Engine) service(path string) (*boundService, Publisher, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.services[model.NormalizePath(path)]
	return s, e.publisher, ok
}

// Broadcast delivers req to every ready target on this process and, unless
// req.Local is set, publishes it to the other processes. Per-target and
// publish failures are logged, never returned; an error means the request
// itself was invalid.
func (e *Engine) Broadcast(ctx context.Context, req Request) (Result, error) {
	return e.broadcast(ctx, req, OriginLocal)
}

func (e *Engine) broadcast(ctx context.Context, req Request, origin string) (Result, error) {
	if req.Event == "" {
		return Result{}, errspkg.ErrEventRequired
	}
	svc, publisher, ok := e.service(req.Service)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", errspkg.ErrUnknownService, req.Service)
	}
	path := svc.def.NormalizedPath()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "broadcast "+req.Event)
	defer span.End()
	span.SetAttributes(
		attribute.String("wsflow.tenant", req.Tenant),
		attribute.String("wsflow.service", path),
		attribute.String("wsflow.event", req.Event),
		attribute.String("wsflow.origin", origin),
	)

	log := e.logger.With(logging.LogFields{"service": path, "tenant": req.Tenant, "event": req.Event})

	var targets []registry.Member
	e.registry.View(req.Tenant, path, func(ix *registry.Indexes) {
		for _, m := range Targets(ix, req.Filter, e.operators, req.Exclude) {
			targets = append(targets, m)
		}
	})

	res := Result{Targets: len(targets)}
	if len(targets) > 0 {
		res = e.deliver(svc, req, targets, log)
	}
	span.SetAttributes(
		attribute.Int("wsflow.targets", res.Targets),
		attribute.Int("wsflow.failed", res.Failed),
	)
	e.observer.ObserveBroadcast(path, origin, res)

	if !req.Local && publisher != nil {
		if err := e.publish(ctx, publisher, svc, req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fan-out publish failed")
			e.observer.ObservePublishError(path)
			log.Warn("Fan-out publish failed; delivered locally only", logging.LogFields{"error": err.Error()})
		}
	}
	return res, nil
}

func (e *Engine) deliver(svc *boundService, req Request, targets []registry.Member, log logging.ServiceLogger) Result {
	res := Result{Targets: len(targets)}
	frame := req.frame
	if frame == nil {
		var err error
		frame, err = svc.formats.ForEvent(req.Event).Compose(req.Event, req.Data, req.Headers)
		if err != nil {
			log.Error("Failed to compose event", err, nil)
			res.Failed = len(targets)
			return res
		}
	}
	for _, m := range targets {
		if !m.Ready() {
			res.Skipped++
			continue
		}
		if err := m.Deliver(req.Event, frame); err != nil {
			res.Failed++
			log.Error("Delivery failed", err, logging.LogFields{"connection": m.ID()})
			continue
		}
		res.Delivered++
	}
	log.Trace("Broadcast delivered", logging.LogFields{
		"targets":   res.Targets,
		"delivered": res.Delivered,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	})
	return res
}

func (e *Engine) publish(ctx context.Context, publisher Publisher, svc *boundService, req Request) error {
	name, path := svc.def.Name, svc.def.NormalizedPath()
	if _, raw := e.codec.(RawCodec); raw && req.Filter.IsZero() {
		frame, err := svc.formats.ForEvent(req.Event).Compose(req.Event, req.Data, req.Headers)
		if err != nil {
			return fmt.Errorf("compose frame: %w", err)
		}
		return publisher.Emit(ctx, name, path, frame, metadata.New(
			metadata.KeyPayload, metadata.PayloadFrame,
			metadata.KeyTenant, req.Tenant,
			metadata.KeyEvent, req.Event,
		))
	}

	payload, err := e.codec.Marshal(NewEnvelope(req))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return publisher.Emit(ctx, name, path, payload, metadata.New(metadata.KeyPayload, metadata.PayloadEnvelope))
}

// Receive replays a broadcast published by another process. It never
// publishes again. A composed frame is delivered as is to every ready
// connection of its tenant.
func (e *Engine) Receive(ctx context.Context, path string, md metadata.Metadata, payload []byte) error {
	if md.Get(metadata.KeyPayload) == metadata.PayloadFrame {
		event := md.Get(metadata.KeyEvent)
		if event == "" {
			return fmt.Errorf("%w: frame without event name", errspkg.ErrMalformedFanoutEnvelope)
		}
		_, err := e.broadcast(ctx, Request{
			Tenant:  md.Get(metadata.KeyTenant),
			Service: path,
			Event:   event,
			Local:   true,
			frame:   payload,
		}, OriginRemote)
		return err
	}

	env, err := e.codec.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errspkg.ErrMalformedFanoutEnvelope, err)
	}
	_, err = e.broadcast(ctx, Request{
		Tenant:  env.Tenant,
		Service: path,
		Event:   env.Event,
		Data:    env.Data,
		Headers: env.Headers,
		Filter:  env.Filter(),
		Local:   true,
	}, OriginRemote)
	return err
}
