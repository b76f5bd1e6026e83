package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/wsflow/internal/runtime/binding"
	"github.com/drblury/wsflow/internal/runtime/broadcast"
	configpkg "github.com/drblury/wsflow/internal/runtime/config"
	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/fanout"
	"github.com/drblury/wsflow/internal/runtime/format"
	loggingpkg "github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/internal/runtime/registry"
	"github.com/drblury/wsflow/transport"
)

const shutdownTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators of a Service.
type ServiceDependencies struct {
	// Authenticator resolves the principal of every connection. Nil admits
	// everyone as an anonymous principal.
	Authenticator binding.Authenticator
	// Admission steps run after authentication and service role checks.
	Admission []binding.Admission
	// Middlewares are appended after the default middleware chain.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	// Hooks run around every inbound event.
	Hooks EventHooks
	// TransportRegistry resolves the fan-out transport. Defaults to
	// transport.DefaultRegistry.
	TransportRegistry *transport.Registry
	ErrorClassifier   ErrorClassifier
	// Registerer receives the Prometheus collectors when metrics are
	// enabled. Defaults to the global registerer.
	Registerer prometheus.Registerer
}

// Service owns the registry, the broadcast engine, the fan-out adapter and
// the binding of one process, and serves them over HTTP.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry *registry.Registry
	engine   *broadcast.Engine
	adapter  *fanout.Adapter
	binding  binding.Binding
	router   chi.Router

	metrics *Metrics
	stats   *EventStatsRecorder
	usage   *usageSampler

	middlewareMu sync.RWMutex
	middlewares  []binding.Middleware

	servicesMu sync.RWMutex
	services   map[string]*model.Service

	httpServersMu sync.Mutex
	httpServers   map[int]chi.Router
}

// NewService constructs a Service and panics when the configuration is
// invalid. Use TryNewService to handle the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service. Register services on it before
// calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating websocket service", loggingpkg.LogFields{
		"kind":    conf.Kind,
		"adapter": conf.Adapter.Impl,
		"local":   conf.Adapter.Local,
		"config":  conf,
	})

	s := &Service{
		Conf:        conf,
		Logger:      log,
		registry:    registry.New(),
		stats:       NewEventStatsRecorder(deps.ErrorClassifier),
		usage:       newUsageSampler(),
		services:    map[string]*model.Service{},
		httpServers: map[int]chi.Router{},
	}

	if conf.MetricsEnabled {
		s.metrics = NewMetrics(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	codec, err := broadcast.NewCodec(conf.Adapter.Options.Codec)
	if err != nil {
		return nil, err
	}
	engineOpts := []broadcast.Option{broadcast.WithCodec(codec)}
	if s.metrics != nil {
		engineOpts = append(engineOpts, broadcast.WithObserver(s.metrics))
	}

	if !conf.Adapter.Local {
		var observer fanout.Observer
		if s.metrics != nil {
			observer = s.metrics
		}
		s.adapter = fanout.New(conf, fanout.Options{
			Prefix:         conf.Adapter.Options.Prefix,
			ReconnectDelay: conf.Adapter.Options.ReconnectDelay,
			ProcessID:      conf.GetProcessID(),
			Codec:          codec.Name(),
			Registry:       deps.TransportRegistry,
			Logger:         log,
			Observer:       observer,
		})
		engineOpts = append(engineOpts, broadcast.WithPublisher(s.adapter))
	}

	s.engine = broadcast.NewEngine(s.registry, broadcast.Operators{
		Include: broadcast.ParseOperator(conf.Operator.Include),
		Exclude: broadcast.ParseOperator(conf.Operator.Exclude),
	}, log.With(loggingpkg.LogFields{"component": "broadcast"}), engineOpts...)

	var bindingObserver binding.Observer
	if s.metrics != nil {
		bindingObserver = s.metrics
	}
	s.binding, err = binding.New(conf.Kind, binding.Options{
		Path:          conf.Path,
		Roles:         conf.Roles,
		Registry:      s.registry,
		Engine:        s.engine,
		Authenticator: deps.Authenticator,
		Admission:     deps.Admission,
		Middleware:    []binding.Middleware{s.eventChain},
		Logger:        log,
		Observer:      bindingObserver,
		PingInterval:  conf.PingInterval,
		PingTimeout:   conf.PingTimeout,
		WriteTimeout:  conf.WriteTimeout,
		SendBuffer:    conf.SendBuffer,
		MaxPayload:    conf.MaxPayload,
		CheckOrigin:   s.checkOrigin,
	})
	if err != nil {
		return nil, err
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)
	if deps.Hooks.OnEventStart != nil || deps.Hooks.OnEventDone != nil || deps.Hooks.OnEventError != nil {
		registrations = append(registrations, HooksMiddleware(deps.Hooks))
	}

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(s.Conf.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.Conf.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", binding.HeaderTenant, binding.HeaderUser, binding.HeaderRoles},
		}))
	}

	if s.Conf.StatusEnabled {
		r.Get("/status", s.handleStatus)
	}
	if s.metrics != nil && s.Conf.MetricsPort == 0 {
		r.Handle("/metrics", s.metricsHandler())
	}

	if s.Conf.Path == "/" {
		r.Handle("/*", s.binding)
	} else {
		r.Handle(s.Conf.Path, s.binding)
		r.Handle(s.Conf.Path+"/*", s.binding)
	}
	return r
}

// metricsHandler serves the registry the collectors were registered with.
func (s *Service) metricsHandler() http.Handler {
	if g, ok := s.metrics.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// checkOrigin accepts every origin unless AllowedOrigins is configured.
func (s *Service) checkOrigin(r *http.Request) bool {
	if len(s.Conf.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.Conf.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// RegisterService makes a service reachable through the binding, the
// broadcast engine and the fan-out adapter.
func (s *Service) RegisterService(svc binding.Service) error {
	def := svc.Def
	if def == nil {
		return errspkg.ErrServiceRequired
	}
	if err := def.Validate(); err != nil {
		return err
	}
	path := def.NormalizedPath()

	s.servicesMu.Lock()
	defer s.servicesMu.Unlock()
	if _, ok := s.services[path]; ok {
		return fmt.Errorf("%w: %s", errspkg.ErrServiceAlreadyBound, path)
	}

	formats := svc.Formats
	if formats == nil {
		var err error
		formats, err = format.NewSet(def, s.binding.DefaultFormat())
		if err != nil {
			return fmt.Errorf("service %s: %w", def.Name, err)
		}
		svc.Formats = formats
	}

	if err := s.engine.Bind(def, formats); err != nil {
		return err
	}
	if err := s.binding.Bind(svc); err != nil {
		return err
	}
	if s.adapter != nil {
		if err := s.adapter.On(def.Name, path, s.engine.Receive); err != nil {
			return err
		}
	}
	s.services[path] = def

	s.Logger.Info("Registered service", loggingpkg.LogFields{
		"service": def.Name,
		"path":    path,
		"format":  formats.Inbound().Name(),
	})
	return nil
}

// BroadcastRequest is a server-originated broadcast.
type BroadcastRequest struct {
	// Service selects the service by name when Path is empty.
	Service string
	Path    string
	Event   string
	Data    map[string]any
	Tenant  string
	Filter  broadcast.Filter
	Headers map[string]any
	// ExcludeConnection is never delivered the broadcast.
	ExcludeConnection string
	// Local skips the fan-out publish.
	Local bool
}

// Broadcast delivers an event to the matching connections of this process
// and publishes it to the other processes.
func (s *Service) Broadcast(ctx context.Context, req BroadcastRequest) (broadcast.Result, error) {
	path, err := s.resolvePath(req.Service, req.Path)
	if err != nil {
		return broadcast.Result{}, err
	}
	return s.engine.Broadcast(ctx, broadcast.Request{
		Tenant:  req.Tenant,
		Service: path,
		Event:   req.Event,
		Data:    req.Data,
		Headers: req.Headers,
		Filter:  req.Filter,
		Exclude: req.ExcludeConnection,
		Local:   req.Local,
	})
}

func (s *Service) resolvePath(name, path string) (string, error) {
	s.servicesMu.RLock()
	defer s.servicesMu.RUnlock()

	if path != "" {
		path = model.NormalizePath(path)
		if _, ok := s.services[path]; ok {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", errspkg.ErrUnknownService, path)
	}
	for p, def := range s.services {
		if def.Name == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", errspkg.ErrUnknownService, name)
}

// Handler returns the HTTP handler serving the binding and the status
// endpoint.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Registry returns the connection registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Engine returns the broadcast engine.
func (s *Service) Engine() *broadcast.Engine { return s.engine }

// Adapter returns the fan-out adapter, nil when the adapter is local.
func (s *Service) Adapter() *fanout.Adapter { return s.adapter }

// EventStats returns the per-event handler statistics.
func (s *Service) EventStats() []EventSnapshot { return s.stats.Snapshot() }

// RegisterHTTPHandler mounts handler on a secondary HTTP server listening on
// port. Servers are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	r, ok := s.httpServers[port]
	if !ok {
		r = chi.NewRouter()
		s.httpServers[port] = r
	}
	r.Handle(pattern, handler)
}

// Start connects the fan-out adapter and serves HTTP on the configured
// listen address until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Conf.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Conf.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if s.adapter != nil {
		if err := s.adapter.Setup(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}
	if s.metrics != nil && s.Conf.MetricsPort != 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", s.metricsHandler())
	}
	servers := s.startHTTPServers()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	servers = append(servers, srv)

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("Serving websocket bindings", loggingpkg.LogFields{
			"address": ln.Addr().String(),
			"path":    s.Conf.Path,
			"kind":    s.binding.Kind(),
		})
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	s.shutdown(servers)
	return serveErr
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, handler := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	return servers
}

func (s *Service) shutdown(servers []*http.Server) {
	s.Logger.Info("Shutting down websocket service", nil)
	s.binding.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
	if s.adapter != nil {
		if err := s.adapter.Close(); err != nil {
			s.Logger.Error("Fan-out adapter close failed", err, nil)
		}
	}
}
