package runtime

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/wsflow/internal/runtime/binding"
	"github.com/drblury/wsflow/internal/runtime/handlers"
	"github.com/drblury/wsflow/internal/runtime/ids"
	"github.com/drblury/wsflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/wsflow/runtime"

// MiddlewareBuilder constructs an event middleware from the service.
type MiddlewareBuilder func(*Service) (binding.Middleware, error)

// MiddlewareRegistration describes a middleware added to the inbound event
// chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware binding.Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain installed by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogEventsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		StatsMiddleware(),
	}
}

// CorrelationIDMiddleware stamps a correlation id header on every event.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

func correlationIDMiddleware(next binding.Handler) binding.Handler {
	return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
		if ev.Headers == nil {
			ev.Headers = map[string]any{}
		}
		if id, _ := ev.Headers[handlers.HeaderCorrelationID].(string); id == "" {
			ev.Headers[handlers.HeaderCorrelationID] = ids.CreateULID()
		}
		return next(ctx, c, ev)
	}
}

// LogEventsMiddleware logs every inbound event at debug level. A nil logger
// uses the service logger.
func LogEventsMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_events",
		Builder: func(s *Service) (binding.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			return logEventsMiddleware(l), nil
		},
	}
}

func logEventsMiddleware(logger logging.ServiceLogger) binding.Middleware {
	return func(next binding.Handler) binding.Handler {
		return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
			logger.Debug("Handling event", logging.LogFields{
				"service":    ev.Service,
				"event":      ev.Name,
				"connection": c.ID(),
				"headers":    ev.Headers,
			})
			return next(ctx, c, ev)
		}
	}
}

// TracerMiddleware wraps event handling in an OpenTelemetry span and exposes
// the trace id to handlers as an event header.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(next binding.Handler) binding.Handler {
	return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "event "+ev.Name, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			headers := make(map[string]any, len(ev.Headers)+1)
			for k, v := range ev.Headers {
				headers[k] = v
			}
			headers[handlers.HeaderTraceID] = sc.TraceID().String()
			ev.Headers = headers
		}

		span.SetAttributes(
			attribute.String("wsflow.service", ev.Service),
			attribute.String("wsflow.event", ev.Name),
			attribute.String("wsflow.connection", c.ID()),
			attribute.String("wsflow.tenant", c.Tenant()),
		)
		res, err := next(ctx, c, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
}

// MetricsMiddleware records event outcomes in Prometheus when metrics are
// enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (binding.Middleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return hooksMiddleware(s.metrics.eventHooks()), nil
		},
	}
}

// StatsMiddleware feeds the per-event statistics shown on the status
// endpoint.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(s *Service) (binding.Middleware, error) {
			return hooksMiddleware(s.stats.Hooks()), nil
		},
	}
}

// TimeoutMiddleware bounds handler execution with a context deadline.
func TimeoutMiddleware(d time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Middleware: func(next binding.Handler) binding.Handler {
			return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
				ctx, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				return next(ctx, c, ev)
			}
		},
	}
}

// RegisterMiddleware appends a middleware to the inbound event chain. It
// applies to events handled after the call returns.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw binding.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewareMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewareMu.Unlock()
	return nil
}

// eventChain runs the registered middlewares, first registered outermost.
func (s *Service) eventChain(next binding.Handler) binding.Handler {
	return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
		s.middlewareMu.RLock()
		mws := s.middlewares
		s.middlewareMu.RUnlock()

		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h(ctx, c, ev)
	}
}
