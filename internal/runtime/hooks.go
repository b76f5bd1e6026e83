package runtime

import (
	"context"
	"time"

	"github.com/drblury/wsflow/internal/runtime/binding"
	"github.com/drblury/wsflow/internal/runtime/logging"
)

// EventContext describes one inbound client event to hooks.
type EventContext struct {
	// Service is the path of the service the event arrived on.
	Service string
	// Event is the inbound event name.
	Event        string
	ConnectionID string
	Tenant       string
	User         string
	// Context is the connection context the handler runs under.
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnEventDone and OnEventError.
	Duration time.Duration
}

// EventHooks defines callbacks around inbound event handling.
// All hooks are optional.
type EventHooks struct {
	OnEventStart func(ctx EventContext)
	OnEventDone  func(ctx EventContext)
	// OnEventError receives the error returned by the handler chain.
	OnEventError func(ctx EventContext, err error)
}

// Merge combines two EventHooks. The hooks from other run after the
// hooks from h.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnEventStart: chainHooks(h.OnEventStart, other.OnEventStart),
		OnEventDone:  chainHooks(h.OnEventDone, other.OnEventDone),
		OnEventError: chainErrorHooks(h.OnEventError, other.OnEventError),
	}
}

func chainHooks(a, b func(EventContext)) func(EventContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(EventContext, error)) func(EventContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx EventContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// HooksMiddleware creates a middleware that invokes the hooks around every
// inbound event.
func HooksMiddleware(hooks EventHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "event_hooks",
		Middleware: hooksMiddleware(hooks),
	}
}

func hooksMiddleware(hooks EventHooks) binding.Middleware {
	return func(next binding.Handler) binding.Handler {
		return func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
			evCtx := EventContext{
				Service:      ev.Service,
				Event:        ev.Name,
				ConnectionID: c.ID(),
				Tenant:       c.Tenant(),
				User:         c.User(),
				Context:      ctx,
				StartedAt:    time.Now(),
			}
			if hooks.OnEventStart != nil {
				hooks.OnEventStart(evCtx)
			}

			res, err := next(ctx, c, ev)
			evCtx.Duration = time.Since(evCtx.StartedAt)

			if err != nil {
				if hooks.OnEventError != nil {
					hooks.OnEventError(evCtx, err)
				}
			} else if hooks.OnEventDone != nil {
				hooks.OnEventDone(evCtx)
			}
			return res, err
		}
	}
}

// LoggingHooks returns hooks that log the event lifecycle.
func LoggingHooks(logger logging.ServiceLogger) EventHooks {
	return EventHooks{
		OnEventStart: func(ctx EventContext) {
			logger.Debug("Event started", logging.LogFields{
				"service":    ctx.Service,
				"event":      ctx.Event,
				"connection": ctx.ConnectionID,
			})
		},
		OnEventDone: func(ctx EventContext) {
			logger.Info("Event handled", logging.LogFields{
				"service":     ctx.Service,
				"event":       ctx.Event,
				"connection":  ctx.ConnectionID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnEventError: func(ctx EventContext, err error) {
			logger.Error("Event failed", err, logging.LogFields{
				"service":     ctx.Service,
				"event":       ctx.Event,
				"connection":  ctx.ConnectionID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that forward the service and event name to
// simple counters.
func MetricsHooks(onStart, onDone, onError func(service, event string)) EventHooks {
	return EventHooks{
		OnEventStart: func(ctx EventContext) {
			if onStart != nil {
				onStart(ctx.Service, ctx.Event)
			}
		},
		OnEventDone: func(ctx EventContext) {
			if onDone != nil {
				onDone(ctx.Service, ctx.Event)
			}
		},
		OnEventError: func(ctx EventContext, err error) {
			if onError != nil {
				onError(ctx.Service, ctx.Event)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc when a handler fails.
func AlertingHooks(alertFunc func(ctx EventContext, err error)) EventHooks {
	return EventHooks{
		OnEventError: alertFunc,
	}
}
