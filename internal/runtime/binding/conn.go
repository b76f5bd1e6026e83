package binding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/drblury/wsflow/internal/runtime/broadcast"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/ids"
	"github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

var errNoBroadcaster = errors.New("wsflow: binding has no broadcaster")

// Connection is the per-connection facade handed to handlers.
type Connection interface {
	ID() string
	Tenant() string
	User() string
	Roles() []string
	Identifier() string
	Service() *model.Service
	// Context is cancelled when the connection closes.
	Context() context.Context

	// On adds a handler for an inbound event on this connection only.
	On(event string, h Handler)
	// Emit sends an event to this connection only.
	Emit(event string, data, headers map[string]any) error
	// Broadcast sends an event to the filtered connections of the tenant,
	// never echoing it to this connection.
	Broadcast(ctx context.Context, event string, data map[string]any, filter broadcast.Filter, headers map[string]any) (broadcast.Result, error)
	// BroadcastAll is Broadcast including this connection.
	BroadcastAll(ctx context.Context, event string, data map[string]any, filter broadcast.Filter, headers map[string]any) (broadcast.Result, error)

	Enter(ctx string)
	Exit(ctx string)
	// Reset exits every context.
	Reset()
	Contexts() []string

	Disconnect()
	OnDisconnect(fn func(Connection))
}

// frameFunc wraps a composed payload into a transport frame.
type frameFunc func(event string, payload []byte) ([]byte, error)

type conn struct {
	id         string
	tenant     string
	user       string
	roles      []string
	identifier string

	svc    *boundService
	core   *core
	sock   *socket
	frame  frameFunc
	logger logging.ServiceLogger
	// closeTransport ends the transport side after teardown.
	closeTransport func()

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	handlers     map[string][]Handler
	onDisconnect []func(Connection)
	closed       bool
}

func (c *core) newConn(parent context.Context, svc *boundService, p Principal, r *http.Request, sock *socket, frame frameFunc) *conn {
	ctx, cancel := context.WithCancel(parent)
	cn := &conn{
		id:         ids.CreateULID(),
		tenant:     p.Tenant(),
		user:       p.User(),
		roles:      c.roles(p, svc),
		identifier: r.URL.Query().Get("id"),
		svc:        svc,
		core:       c,
		sock:       sock,
		frame:      frame,
		ctx:        ctx,
		cancel:     cancel,
		handlers:   map[string][]Handler{},
	}
	cn.logger = c.logger.With(logging.LogFields{
		"connection": cn.id,
		"service":    svc.path,
		"tenant":     cn.tenant,
		"user":       cn.user,
	})
	cn.closeTransport = sock.close
	return cn
}

// admitted registers the connection and runs the service's connect hook.
func (cn *conn) admitted() {
	cn.core.opts.Registry.Register(cn.tenant, cn.svc.path, cn)
	cn.core.observer.ObserveConnection(cn.svc.path, 1)
	cn.logger.Info("Connection admitted", logging.LogFields{"roles": cn.roles, "identifier": cn.identifier})
	if cn.svc.onConnect != nil {
		cn.svc.onConnect(cn.ctx, cn)
	}
}

func (cn *conn) ID() string               { return cn.id }
func (cn *conn) Tenant() string           { return cn.tenant }
func (cn *conn) User() string             { return cn.user }
func (cn *conn) Roles() []string          { return cn.roles }
func (cn *conn) Identifier() string       { return cn.identifier }
func (cn *conn) Service() *model.Service  { return cn.svc.def }
func (cn *conn) Context() context.Context { return cn.ctx }

// Ready reports whether frames can still be delivered.
func (cn *conn) Ready() bool {
	cn.mu.Lock()
	closed := cn.closed
	cn.mu.Unlock()
	return !closed && cn.sock.open()
}

// Deliver frames a composed payload and queues it on the socket.
func (cn *conn) Deliver(event string, payload []byte) error {
	if !cn.Ready() {
		return errspkg.ErrConnectionClosed
	}
	frame, err := cn.frame(event, payload)
	if err != nil {
		return err
	}
	return cn.sock.enqueue(frame)
}

func (cn *conn) On(event string, h Handler) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.handlers[event] = append(cn.handlers[event], h)
}

func (cn *conn) Emit(event string, data, headers map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := cn.svc.formats.ForEvent(event).Compose(event, data, headers)
	if err != nil {
		return fmt.Errorf("compose %s: %w", event, err)
	}
	return cn.Deliver(event, payload)
}

func (cn *conn) Broadcast(ctx context.Context, event string, data map[string]any, filter broadcast.Filter, headers map[string]any) (broadcast.Result, error) {
	return cn.broadcast(ctx, event, data, filter, headers, cn.id)
}

func (cn *conn) BroadcastAll(ctx context.Context, event string, data map[string]any, filter broadcast.Filter, headers map[string]any) (broadcast.Result, error) {
	return cn.broadcast(ctx, event, data, filter, headers, "")
}

func (cn *conn) broadcast(ctx context.Context, event string, data map[string]any, filter broadcast.Filter, headers map[string]any, exclude string) (broadcast.Result, error) {
	engine := cn.core.opts.Engine
	if engine == nil {
		return broadcast.Result{}, errNoBroadcaster
	}
	return engine.Broadcast(ctx, broadcast.Request{
		Tenant:  cn.tenant,
		Service: cn.svc.path,
		Event:   event,
		Data:    data,
		Headers: headers,
		Filter:  filter,
		Exclude: exclude,
	})
}

func (cn *conn) Enter(ctx string) {
	cn.core.opts.Registry.EnterContext(cn.tenant, cn.svc.path, cn, ctx)
}

func (cn *conn) Exit(ctx string) {
	cn.core.opts.Registry.ExitContext(cn.tenant, cn.svc.path, cn, ctx)
}

func (cn *conn) Reset() {
	cn.core.opts.Registry.ExitAll(cn.tenant, cn.svc.path, cn)
}

func (cn *conn) Contexts() []string {
	return cn.core.opts.Registry.Contexts(cn.tenant, cn.svc.path, cn)
}

func (cn *conn) OnDisconnect(fn func(Connection)) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.onDisconnect = append(cn.onDisconnect, fn)
}

// Disconnect removes the connection from the registry and closes its
// transport side.
func (cn *conn) Disconnect() {
	if cn.teardown("server disconnect") {
		cn.closeTransport()
	}
}

// teardown unregisters the connection before any disconnect handler runs.
// It reports whether this call performed the teardown.
func (cn *conn) teardown(reason string) bool {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return false
	}
	cn.closed = true
	callbacks := cn.onDisconnect
	cn.onDisconnect = nil
	cn.mu.Unlock()

	cn.core.opts.Registry.Unregister(cn.tenant, cn.svc.path, cn)
	cn.cancel()
	cn.core.observer.ObserveConnection(cn.svc.path, -1)
	for _, fn := range callbacks {
		fn(cn)
	}
	cn.logger.Info("Connection closed", logging.LogFields{"reason": reason})
	return true
}

// dispatch runs the service handler and the connection's own handlers for
// ev. The first error stops the chain; the last non-nil result is returned.
// A panic in a handler becomes a 500 EventError.
func (cn *conn) dispatch(ev Event) (result any, err error) {
	cn.mu.Lock()
	local := append([]Handler(nil), cn.handlers[ev.Name]...)
	cn.mu.Unlock()

	var chain []Handler
	if h, ok := cn.svc.handlers[ev.Name]; ok {
		chain = append(chain, h)
	}
	chain = append(chain, local...)
	if len(chain) == 0 {
		return nil, errspkg.NewEventError(http.StatusNotFound, fmt.Sprintf("unknown event %q", ev.Name))
	}

	var h Handler = func(ctx context.Context, c Connection, ev Event) (any, error) {
		var last any
		for _, step := range chain {
			res, err := step(ctx, c, ev)
			if err != nil {
				return nil, err
			}
			if res != nil {
				last = res
			}
		}
		return last, nil
	}
	for i := len(cn.core.opts.Middleware) - 1; i >= 0; i-- {
		h = cn.core.opts.Middleware[i](h)
	}

	defer func() {
		if p := recover(); p != nil {
			cn.logger.Error("Handler panicked", fmt.Errorf("%v", p), logging.LogFields{"event": ev.Name})
			result = nil
			err = errspkg.NewEventError(http.StatusInternalServerError, "")
		}
	}()
	return h(cn.ctx, cn, ev)
}

var _ registry.Member = (*conn)(nil)
