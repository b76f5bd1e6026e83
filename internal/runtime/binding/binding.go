// Package binding adapts inbound WebSocket connections, raw or Socket.IO,
// into registry members, runs the admission chain and dispatches client
// events to service handlers.
package binding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/wsflow/internal/runtime/broadcast"
	"github.com/drblury/wsflow/internal/runtime/config"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/format"
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	"github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

// Event is one inbound client event.
type Event struct {
	// Service is the service path the event arrived on.
	Service string
	Name    string
	Data    map[string]any
	Headers map[string]any
}

// Handler handles an inbound event. The result is returned to the caller's
// acknowledgement when the transport has one.
type Handler func(ctx context.Context, c Connection, ev Event) (any, error)

// Middleware wraps every handler invocation.
type Middleware func(Handler) Handler

// Broadcaster is the engine side of a binding.
type Broadcaster interface {
	Broadcast(ctx context.Context, req broadcast.Request) (broadcast.Result, error)
}

// Observer receives connection statistics.
type Observer interface {
	ObserveConnection(service string, delta int)
	ObserveRejected(service string, code int)
}

type nopObserver struct{}

func (nopObserver) ObserveConnection(string, int) {}
func (nopObserver) ObserveRejected(string, int)   {}

// Service is a service definition bound to its handlers.
type Service struct {
	Def *model.Service
	// Formats overrides the formats compiled from Def with the binding default.
	Formats *format.Set
	// Handlers are keyed by operation or event name.
	Handlers map[string]Handler
	// OnConnect runs after admission, once the connection is registered.
	OnConnect func(ctx context.Context, c Connection)
}

type boundService struct {
	def       *model.Service
	path      string
	formats   *format.Set
	handlers  map[string]Handler
	onConnect func(ctx context.Context, c Connection)
}

// Options configure a binding.
type Options struct {
	// Path is the base path the binding is mounted under.
	Path string
	// Roles are evaluated against each principal at admission.
	Roles []string

	Registry      *registry.Registry
	Engine        Broadcaster
	Authenticator Authenticator
	Admission     []Admission
	Middleware    []Middleware
	Logger        logging.ServiceLogger
	Observer      Observer

	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	MaxPayload   int64
	// CheckOrigin validates the Origin header of upgrade requests. Nil
	// accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Binding serves one wire protocol.
type Binding interface {
	http.Handler
	// Kind is the configuration name of the protocol.
	Kind() string
	// DefaultFormat names the format used by services without their own.
	DefaultFormat() string
	// Bind makes a service reachable.
	Bind(svc Service) error
	// Close disconnects every connection.
	Close()
}

// New creates the binding of the given kind.
func New(kind string, opts Options) (Binding, error) {
	switch kind {
	case config.KindWS, "":
		return NewWS(opts), nil
	case config.KindSocketIO:
		return NewSocketIO(opts), nil
	default:
		return nil, fmt.Errorf("unsupported binding kind %q", kind)
	}
}

// core holds what both protocols share: services, admission and the live
// connection set used by Close.
type core struct {
	opts     Options
	logger   logging.ServiceLogger
	observer Observer
	upgrader websocket.Upgrader
	chain    []Admission

	mu       sync.RWMutex
	services map[string]*boundService
	live     map[*socket]struct{}
	closed   bool
}

func newCore(opts Options, kind string) *core {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Authenticator == nil {
		opts.Authenticator = Anonymous()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = config.DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = config.DefaultPingTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultWriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = config.DefaultSendBuffer
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = config.DefaultMaxPayload
	}
	opts.Path = "/" + strings.Trim(opts.Path, "/")

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	chain := []Admission{authenticate(opts.Authenticator), requireServiceRoles}
	chain = append(chain, opts.Admission...)

	return &core{
		opts:     opts,
		logger:   opts.Logger.With(logging.LogFields{"component": "binding", "kind": kind}),
		observer: opts.Observer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		chain:    chain,
		services: map[string]*boundService{},
		live:     map[*socket]struct{}{},
	}
}

func (c *core) bind(svc Service, defaultFormat string) error {
	if svc.Def == nil {
		return errspkg.ErrServiceRequired
	}
	if err := svc.Def.Validate(); err != nil {
		return err
	}
	formats := svc.Formats
	if formats == nil {
		var err error
		formats, err = format.NewSet(svc.Def, defaultFormat)
		if err != nil {
			return err
		}
	}
	path := svc.Def.NormalizedPath()
	handlers := make(map[string]Handler, len(svc.Handlers))
	for name, h := range svc.Handlers {
		handlers[name] = h
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.services[path]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrServiceAlreadyBound, path)
	}
	c.services[path] = &boundService{
		def:       svc.Def,
		path:      path,
		formats:   formats,
		handlers:  handlers,
		onConnect: svc.OnConnect,
	}
	return nil
}

func (c *core) service(path string) (*boundService, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[model.NormalizePath(path)]
	return s, ok
}

// relativePath strips the base path from an request path.
func (c *core) relativePath(p string) string {
	if c.opts.Path == "/" {
		return p
	}
	rel := strings.TrimPrefix(p, c.opts.Path)
	if rel == "" {
		return "/"
	}
	return rel
}

func (c *core) track(s *socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.live[s] = struct{}{}
	return true
}

func (c *core) untrack(s *socket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, s)
}

// Close disconnects every live socket and rejects new ones.
func (c *core) Close() {
	c.mu.Lock()
	c.closed = true
	socks := make([]*socket, 0, len(c.live))
	for s := range c.live {
		socks = append(socks, s)
	}
	c.mu.Unlock()
	for _, s := range socks {
		s.close()
	}
}

// roles returns the configured and service roles the principal holds.
func (c *core) roles(p Principal, svc *boundService) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{c.opts.Roles, svc.def.Roles} {
		for _, role := range list {
			if seen[role] {
				continue
			}
			seen[role] = true
			if p.Is(role) {
				out = append(out, role)
			}
		}
	}
	return out
}

// writeError answers a rejected upgrade request with the structured error body.
func writeError(w http.ResponseWriter, ee *errspkg.EventError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ee.Code)
	_ = jsoncodec.Encode(w, errspkg.ErrorBody{Error: ee})
}
