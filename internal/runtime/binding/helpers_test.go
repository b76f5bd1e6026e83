package binding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/drblury/wsflow/internal/runtime/broadcast"
	"github.com/drblury/wsflow/internal/runtime/format"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

func chatService() *model.Service {
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

type harness struct {
	t        *testing.T
	binding  Binding
	registry *registry.Registry
	engine   *broadcast.Engine
	server   *httptest.Server
	// connected receives every connection after admission.
	connected chan Connection
}

// newHarness binds svc with handlers on a binding of kind and serves it
// under /ws.
func newHarness(t *testing.T, kind string, svc *model.Service, handlers map[string]Handler, mutate ...func(*Options)) *harness {
	t.Helper()
	reg := registry.New()
	engine := broadcast.NewEngine(reg, broadcast.Operators{Include: broadcast.Or, Exclude: broadcast.Or}, nil)

	opts := Options{
		Path:          "/ws",
		Roles:         []string{"admin", "member"},
		Registry:      reg,
		Engine:        engine,
		Authenticator: HeaderAuthenticator(false),
	}
	for _, m := range mutate {
		m(&opts)
	}
	b, err := New(kind, opts)
	require.NoError(t, err)

	formats, err := format.NewSet(svc, b.DefaultFormat())
	require.NoError(t, err)
	require.NoError(t, engine.Bind(svc, formats))

	h := &harness{t: t, binding: b, registry: reg, engine: engine, connected: make(chan Connection, 16)}
	require.NoError(t, b.Bind(Service{
		Def:       svc,
		Formats:   formats,
		Handlers:  handlers,
		OnConnect: func(_ context.Context, c Connection) { h.connected <- c },
	}))

	h.server = httptest.NewServer(b)
	t.Cleanup(func() {
		b.Close()
		h.server.Close()
	})
	return h
}

func (h *harness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func identity(user, tenant string, roles ...string) http.Header {
	header := http.Header{}
	if user != "" {
		header.Set(HeaderUser, user)
	}
	if tenant != "" {
		header.Set(HeaderTenant, tenant)
	}
	if len(roles) > 0 {
		header.Set(HeaderRoles, strings.Join(roles, ","))
	}
	return header
}

// dial connects to path and waits for the server side to be admitted.
func (h *harness) dial(path string, header http.Header) (*websocket.Conn, Connection) {
	h.t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(h.url(path), header)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.t.Cleanup(func() { _ = ws.Close() })
	return ws, h.awaitConnected()
}

func (h *harness) awaitConnected() Connection {
	h.t.Helper()
	select {
	case c := <-h.connected:
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("connection not admitted")
		return nil
	}
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	return string(raw)
}

// assertSilent fails when a frame arrives within a short window.
func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, raw, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame %q", raw)
}
