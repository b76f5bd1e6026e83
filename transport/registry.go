package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrUnknownTransport is returned by Build for an unregistered name.
	ErrUnknownTransport = errors.New("unknown transport")
	// ErrIncompleteTransport is returned when a builder yields a transport
	// without a publisher or a subscriber. Fan-out needs both.
	ErrIncompleteTransport = errors.New("transport needs a publisher and a subscriber")

	errConfigRequired = errors.New("transport config is required")
)

type entry struct {
	build Builder
	caps  Capabilities
	// hasCaps is false for transports registered without capabilities.
	hasCaps bool
}

// Registry maps adapter impl names (case-insensitive) to transport builders.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry is the registry the built-in transports add themselves to.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds or replaces a builder. Capabilities registered earlier
// under the same name are kept.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key(name)]
	e.build = builder
	r.entries[key(name)] = e
}

// RegisterWithCapabilities adds or replaces a builder and its capabilities.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(name)] = entry{build: builder, caps: caps, hasCaps: true}
}

// GetCapabilities returns the capabilities of a transport, or a value
// carrying only the name when none were registered.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	e, ok := r.entries[key(name)]
	r.mu.RUnlock()
	if ok && e.hasCaps {
		return e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport named by cfg.GetAdapterImpl.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errConfigRequired
	}
	name := cfg.GetAdapterImpl()

	r.mu.RLock()
	e, ok := r.entries[key(name)]
	r.mu.RUnlock()
	if !ok || e.build == nil {
		return Transport{}, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownTransport, name, r.Names())
	}

	tr, err := e.build(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	if tr.Publisher == nil || tr.Subscriber == nil {
		_ = tr.Close()
		return Transport{}, fmt.Errorf("%w: %q", ErrIncompleteTransport, name)
	}
	return tr, nil
}

// Names returns the registered transport names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.build != nil {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(name)]
	return ok && e.build != nil
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the
// default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build creates a transport from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
