package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/wsflow/internal/runtime/format"
	"github.com/drblury/wsflow/internal/runtime/metadata"
	"github.com/drblury/wsflow/internal/runtime/model"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

type frame struct {
	event   string
	payload []byte
}

type fakeConn struct {
	id, user, identifier string
	roles                []string
	closed               bool
	fail                 bool

	mu     sync.Mutex
	frames []frame
}

func conn(id, user string, roles ...string) *fakeConn {
	return &fakeConn{id: id, user: user, roles: roles}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) User() string       { return c.user }
func (c *fakeConn) Roles() []string    { return c.roles }
func (c *fakeConn) Identifier() string { return c.identifier }
func (c *fakeConn) Ready() bool        { return !c.closed }

func (c *fakeConn) Deliver(event string, payload []byte) error {
	if c.fail {
		return errors.New("socket closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{event: event, payload: payload})
	return nil
}

func (c *fakeConn) received() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.frames...)
}

type publishCall struct {
	service, path string
	payload       []byte
	md            metadata.Metadata
}

type fakePublisher struct {
	err   error
	mu    sync.Mutex
	calls []publishCall
}

func (p *fakePublisher) Emit(_ context.Context, service, path string, payload []byte, md metadata.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{service: service, path: path, payload: payload, md: md})
	return p.err
}

type countingObserver struct {
	results       []Result
	origins       []string
	publishErrors int
}

func (o *countingObserver) ObserveBroadcast(_ string, origin string, res Result) {
	o.origins = append(o.origins, origin)
	o.results = append(o.results, res)
}

func (o *countingObserver) ObservePublishError(string) { o.publishErrors++ }

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

func newTestEngine(t *testing.T, reg *registry.Registry, ops Operators, opts ...Option) *Engine {
	t.Helper()
	svc := chatService()
	formats, err := format.NewSet(svc, format.JSON)
	require.NoError(t, err)
	e := NewEngine(reg, ops, nil, opts...)
	require.NoError(t, e.Bind(svc, formats))
	return e
}

func ids(set registry.Set) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
