// Package fanout bridges local broadcasts to the other processes of a
// cluster over a pub/sub transport and replays their broadcasts locally.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/ids"
	"github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/metadata"
	"github.com/drblury/wsflow/transport"
)

// DefaultReconnectDelay is used when Options.ReconnectDelay is zero.
const DefaultReconnectDelay = 5 * time.Second

// Handler receives the payload and headers of a broadcast published by
// another process on the channel of path.
type Handler func(ctx context.Context, path string, md metadata.Metadata, payload []byte) error

// Observer receives adapter statistics.
type Observer interface {
	ObserveFanoutPublished(service string)
	ObserveFanoutReceived(service string)
	ObserveAdapterActive(active bool)
}

type nopObserver struct{}

func (nopObserver) ObserveFanoutPublished(string) {}
func (nopObserver) ObserveFanoutReceived(string)  {}
func (nopObserver) ObserveAdapterActive(bool)     {}

// Options configure an Adapter.
type Options struct {
	// Prefix is prepended to the service path to form the channel name.
	Prefix string
	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration
	// ProcessID marks this process's publishes. Defaults to the config's
	// process id.
	ProcessID string
	// Codec names the envelope codec, recorded on every message.
	Codec string
	// Registry resolves the transport. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	Logger   logging.ServiceLogger
	Observer Observer
}

type subscription struct {
	service string
	path    string
	handler Handler
}

// Adapter is the fan-out adapter. All methods are safe for concurrent use.
type Adapter struct {
	cfg       transport.Config
	registry  *transport.Registry
	prefix    string
	processID string
	// base is stamped on every publish.
	base     metadata.Metadata
	delay    time.Duration
	logger   logging.ServiceLogger
	wmLogger watermill.LoggerAdapter
	observer Observer

	active atomic.Bool

	// connectMu serializes connect with On so no channel is missed.
	connectMu sync.Mutex

	mu           sync.Mutex
	tr           transport.Transport
	caps         transport.Capabilities
	generation   uint64
	genCtx       context.Context
	genCancel    context.CancelFunc
	subs         map[string]subscription
	reconnecting bool
	closed       bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an inactive adapter. Call Setup to connect.
func New(cfg transport.Config, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = transport.DefaultRegistry
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	processID := opts.ProcessID
	if processID == "" && cfg != nil {
		processID = cfg.GetProcessID()
	}
	if processID == "" {
		processID = ids.ProcessID
	}
	runCtx, runCancel := context.WithCancel(context.Background())

	name := ""
	if cfg != nil {
		name = cfg.GetAdapterImpl()
	}
	logger = logger.With(logging.LogFields{"component": "fanout", "transport": name})

	return &Adapter{
		cfg:       cfg,
		registry:  reg,
		prefix:    opts.Prefix,
		processID: processID,
		base:      metadata.New(metadata.KeyCodec, opts.Codec),
		delay:     delay,
		logger:    logger,
		wmLogger:  logging.NewWatermillAdapter(logger),
		observer:  observer,
		subs:      map[string]subscription{},
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Channel returns the backing channel of a service path.
func (a *Adapter) Channel(path string) string {
	return a.prefix + path
}

// ProcessID returns the id stamped on this adapter's publishes.
func (a *Adapter) ProcessID() string {
	return a.processID
}

// Active reports whether the backing transport is connected.
func (a *Adapter) Active() bool {
	return a.active.Load()
}

// Capabilities returns the capabilities of the configured transport.
func (a *Adapter) Capabilities() transport.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Setup connects the backing transport. A connection failure is logged and
// leaves the adapter inactive with the reconnect loop running; only an
// unknown transport name is returned as an error.
func (a *Adapter) Setup(ctx context.Context) error {
	if a.cfg == nil {
		return errspkg.ErrConfigRequired
	}
	name := a.cfg.GetAdapterImpl()
	if !a.registry.Has(name) {
		return fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnsupportedTransport, name, a.registry.Names())
	}

	a.mu.Lock()
	a.caps = a.registry.GetCapabilities(name)
	a.mu.Unlock()
	a.logger.Info("Fan-out transport selected", logging.LogFields{
		"ordering":   a.caps.SupportsOrdering,
		"persistent": a.caps.Persistent,
		"process_id": a.processID,
	})

	if err := a.connect(ctx); err != nil {
		a.logger.Error("Fan-out adapter setup failed; running local only until reconnect", err, nil)
		a.scheduleReconnect()
	}
	return nil
}

// connect builds the transport and subscribes every registered channel.
func (a *Adapter) connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	tr, err := a.registry.Build(ctx, a.cfg, a.wmLogger)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = tr.Close()
		return errspkg.ErrAdapterInactive
	}
	a.swapTransportLocked(tr)
	gen := a.generation
	subs := make([]subscription, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	for _, s := range subs {
		if err := a.subscribe(gen, s); err != nil {
			a.mu.Lock()
			a.dropTransportLocked(gen)
			a.mu.Unlock()
			return err
		}
	}

	// A consumer may already have failed this generation.
	a.mu.Lock()
	current := gen == a.generation
	if current {
		a.setActive(true)
	}
	a.mu.Unlock()
	if !current {
		return errspkg.ErrAdapterInactive
	}
	a.logger.Info("Fan-out adapter active", logging.LogFields{"channels": len(subs)})
	return nil
}

// swapTransportLocked closes the current transport and installs tr under a
// new generation.
func (a *Adapter) swapTransportLocked(tr transport.Transport) {
	if a.genCancel != nil {
		a.genCancel()
	}
	if a.tr.Publisher != nil || a.tr.Subscriber != nil {
		_ = a.tr.Close()
	}
	a.generation++
	a.genCtx, a.genCancel = context.WithCancel(a.runCtx)
	a.tr = tr
}

// dropTransportLocked closes the transport of generation gen if it is still current.
func (a *Adapter) dropTransportLocked(gen uint64) bool {
	if gen != a.generation || (a.tr.Publisher == nil && a.tr.Subscriber == nil) {
		return false
	}
	if a.genCancel != nil {
		a.genCancel()
		a.genCancel, a.genCtx = nil, nil
	}
	_ = a.tr.Close()
	a.tr = transport.Transport{}
	a.generation++
	return true
}

func (a *Adapter) setActive(active bool) {
	if a.active.Swap(active) != active {
		a.observer.ObserveAdapterActive(active)
	}
}

// subscribe starts the consumer goroutine of one channel on generation gen.
func (a *Adapter) subscribe(gen uint64, s subscription) error {
	a.mu.Lock()
	if gen != a.generation || a.tr.Subscriber == nil {
		a.mu.Unlock()
		return errspkg.ErrAdapterInactive
	}
	sub := a.tr.Subscriber
	ctx := a.genCtx
	a.mu.Unlock()

	channel := a.Channel(s.path)
	msgs, err := sub.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	a.wg.Add(1)
	go a.consume(ctx, gen, s, msgs)
	return nil
}

func (a *Adapter) consume(ctx context.Context, gen uint64, s subscription, msgs <-chan *message.Message) {
	defer a.wg.Done()
	log := a.logger.With(logging.LogFields{"channel": a.Channel(s.path), "service": s.service})
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				log.Info("Fan-out subscription ended; reconnecting", nil)
				a.fail(gen)
				return
			}
			a.handle(ctx, s, msg, log)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, s subscription, msg *message.Message, log logging.ServiceLogger) {
	defer msg.Ack()
	md := metadata.FromWatermill(msg.Metadata)
	if md.Get(metadata.KeyOrigin) == a.processID {
		return
	}
	a.observer.ObserveFanoutReceived(s.service)
	if err := s.handler(ctx, s.path, md, msg.Payload); err != nil {
		fields := logging.LogFields{
			"message_uuid": msg.UUID,
			"origin":       md.Get(metadata.KeyOrigin),
			"codec":        md.Get(metadata.KeyCodec),
		}
		if traceID := md.Get(metadata.KeyTraceID); traceID != "" {
			fields["trace_id"] = traceID
		}
		if published, err := ids.Time(msg.UUID); err == nil {
			fields["published_at"] = published.UTC().Format(time.RFC3339Nano)
		}
		log.Error("Dropping fan-out message", err, fields)
	}
}

// fail marks generation gen as broken and starts the reconnect loop.
func (a *Adapter) fail(gen uint64) {
	a.mu.Lock()
	dropped := a.dropTransportLocked(gen)
	if dropped {
		a.setActive(false)
	}
	a.mu.Unlock()
	if dropped {
		a.scheduleReconnect()
	}
}

// scheduleReconnect starts the reconnect loop unless one is running. The
// loop only exits once a transport is installed, so a failure racing the
// end of a successful attempt is retried by the same loop.
func (a *Adapter) scheduleReconnect() {
	a.mu.Lock()
	if a.reconnecting || a.closed {
		a.mu.Unlock()
		return
	}
	a.reconnecting = true
	a.setActive(false)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			a.reconnect()

			a.mu.Lock()
			again := !a.closed && a.runCtx.Err() == nil && a.tr.Publisher == nil
			if !again {
				a.reconnecting = false
			}
			a.mu.Unlock()
			if !again {
				return
			}
			a.logger.Info("Fan-out transport lost right after reconnect; retrying", nil)
		}
	}()
}

// reconnect retries connect at the configured delay until it succeeds or
// the adapter is closed.
func (a *Adapter) reconnect() {
	b := backoff.WithContext(backoff.NewConstantBackOff(a.delay), a.runCtx)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return a.connect(a.runCtx)
	}, b, func(err error, next time.Duration) {
		a.logger.Error("Fan-out reconnect failed", err, logging.LogFields{
			"attempt":  attempt,
			"retry_in": next.String(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && a.runCtx.Err() == nil {
		a.logger.Error("Fan-out reconnect loop stopped", err, nil)
	}
}

// On subscribes handler to the channel of a service path. Channels
// registered while the adapter is inactive are subscribed on reconnect.
func (a *Adapter) On(service, path string, handler Handler) error {
	s := subscription{service: service, path: path, handler: handler}
	channel := a.Channel(path)

	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	if _, ok := a.subs[channel]; ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", errspkg.ErrServiceAlreadyBound, channel)
	}
	a.subs[channel] = s
	gen := a.generation
	a.mu.Unlock()

	if !a.Active() {
		a.logger.Warn("Fan-out adapter inactive; channel subscribes on reconnect", logging.LogFields{"channel": channel})
		return nil
	}
	if err := a.subscribe(gen, s); err != nil {
		a.logger.Error("Fan-out subscribe failed", err, logging.LogFields{"channel": channel})
		a.fail(gen)
	}
	return nil
}

// Emit publishes a serialized broadcast on the channel of path, with extra
// added to the message headers. While the adapter is inactive the payload is
// dropped and ErrAdapterInactive returned. A publish failure deactivates the
// adapter and starts the reconnect loop.
func (a *Adapter) Emit(ctx context.Context, service, path string, payload []byte, extra metadata.Metadata) error {
	channel := a.Channel(path)
	a.mu.Lock()
	pub := a.tr.Publisher
	gen := a.generation
	caps := a.caps
	a.mu.Unlock()

	if !a.Active() || pub == nil {
		a.logger.Warn("Fan-out adapter inactive; dropping publish", logging.LogFields{"channel": channel})
		return errspkg.ErrAdapterInactive
	}
	if !caps.Fits(len(payload)) {
		return fmt.Errorf("payload of %d bytes exceeds %s limit of %d", len(payload), caps.Name, caps.MaxMessageSize)
	}

	md := a.base.WithAll(extra).WithAll(metadata.New(
		metadata.KeyOrigin, a.processID,
		metadata.KeyChannel, channel,
		metadata.KeyService, service,
	))
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		md = md.With(metadata.KeyTraceID, sc.TraceID().String())
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(md)
	msg.SetContext(ctx)

	if err := pub.Publish(channel, msg); err != nil {
		a.fail(gen)
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	a.observer.ObserveFanoutPublished(service)
	return nil
}

// Close stops the reconnect loop and every subscription and closes the
// transport.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.runCancel()
	var err error
	if a.tr.Publisher != nil || a.tr.Subscriber != nil {
		err = a.tr.Close()
		a.tr = transport.Transport{}
	}
	a.generation++
	a.mu.Unlock()

	a.setActive(false)
	a.wg.Wait()
	return err
}
