package runtime

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/wsflow/internal/runtime/binding"
	"github.com/drblury/wsflow/internal/runtime/broadcast"
	configpkg "github.com/drblury/wsflow/internal/runtime/config"
	loggingpkg "github.com/drblury/wsflow/internal/runtime/logging"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/transport"
)

const busName = "bus"

func chatDefinition() *model.Service {
	return &model.Service{
		Name: "ChatService",
		Path: "chat",
		Events: []model.Event{
			{Name: "received", Elements: []model.Element{{Name: "text"}, {Name: "user"}}},
		},
		Operations: []model.Operation{
			{Name: "message", Params: []model.Element{{Name: "text"}}},
		},
	}
}

func chatService(connected chan binding.Connection) binding.Service {
	return binding.Service{
		Def: chatDefinition(),
		Handlers: map[string]binding.Handler{
			"message": func(ctx context.Context, c binding.Connection, ev binding.Event) (any, error) {
				_, err := c.Broadcast(ctx, "received", map[string]any{"text": ev.Data["text"], "user": c.User()}, broadcast.Filter{}, nil)
				return nil, err
			},
		},
		OnConnect: func(_ context.Context, c binding.Connection) {
			if connected != nil {
				connected <- c
			}
		},
	}
}

// sharedBus lets several services in one test talk over one GoChannel; it
// ignores Close so one process cannot tear down the others.
type sharedBus struct {
	*gochannel.GoChannel
}

func (sharedBus) Close() error { return nil }

func busRegistry(t *testing.T) *transport.Registry {
	t.Helper()
	bus := sharedBus{gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})}
	t.Cleanup(func() { _ = bus.GoChannel.Close() })

	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(busName, func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: bus, Subscriber: bus}, nil
	}, transport.ChannelCapabilities)
	return reg
}

func testConfig(processID string) *configpkg.Config {
	return &configpkg.Config{
		Path: "/ws",
		Adapter: configpkg.AdapterConfig{
			Impl: busName,
			Options: configpkg.AdapterOptions{
				ProcessID:      processID,
				ReconnectDelay: 10 * time.Millisecond,
			},
		},
		Roles: []string{"admin"},
	}
}

func testDeps(reg *transport.Registry) ServiceDependencies {
	return ServiceDependencies{
		Authenticator:     binding.HeaderAuthenticator(false),
		TransportRegistry: reg,
		Registerer:        prometheus.NewRegistry(),
	}
}

// process is a running Service serving on a loopback listener.
type process struct {
	t         *testing.T
	svc       *Service
	addr      string
	connected chan binding.Connection
}

func newProcess(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *process {
	t.Helper()
	svc, err := TryNewService(conf, loggingpkg.NewNopLogger(), deps)
	require.NoError(t, err)
	return &process{t: t, svc: svc, connected: make(chan binding.Connection, 16)}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

// start serves the process until the test ends.
func (p *process) start() {
	p.t.Helper()
	ln := listen(p.t)
	p.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.svc.Serve(ctx, ln) }()
	p.t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(p.t, err)
		case <-time.After(5 * time.Second):
			p.t.Error("service did not stop")
		}
	})
	if a := p.svc.Adapter(); a != nil {
		require.Eventually(p.t, a.Active, 2*time.Second, 5*time.Millisecond)
	}
}

func (p *process) url(path string) string {
	return "ws://" + p.addr + path
}

func (p *process) dial(path string, header http.Header) *websocket.Conn {
	p.t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(p.url(path), header)
	require.NoError(p.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	p.t.Cleanup(func() { _ = ws.Close() })

	select {
	case <-p.connected:
	case <-time.After(2 * time.Second):
		p.t.Fatal("connection not admitted")
	}
	return ws
}

func identity(user, tenant string, roles ...string) http.Header {
	header := http.Header{}
	header.Set(binding.HeaderUser, user)
	header.Set(binding.HeaderTenant, tenant)
	if len(roles) > 0 {
		header.Set(binding.HeaderRoles, strings.Join(roles, ","))
	}
	return header
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(raw)
}

func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, raw, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame %q", raw)
}
