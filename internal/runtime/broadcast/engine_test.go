package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/wsflow/internal/runtime/errors"
	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	"github.com/drblury/wsflow/internal/runtime/metadata"
	"github.com/drblury/wsflow/internal/runtime/registry"
)

func decodeFrame(t *testing.T, f frame) map[string]any {
	t.Helper()
	obj, err := jsoncodec.DecodeObject(f.payload)
	require.NoError(t, err)
	return obj
}

func TestBroadcastSuppressesSenderEcho(t *testing.T) {
	reg := registry.New()
	a, b := conn("a", "alice"), conn("b", "bob")
	reg.Register("t1", "/chat", a)
	reg.Register("t1", "/chat", b)
	e := newTestEngine(t, reg, orOr)

	res, err := e.Broadcast(context.Background(), Request{
		Tenant:  "t1",
		Service: "/chat",
		Event:   "received",
		Data:    map[string]any{"text": "hi", "user": "alice"},
		Exclude: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Targets: 1, Delivered: 1}, res)

	assert.Empty(t, a.received())
	got := b.received()
	require.Len(t, got, 1)
	assert.Equal(t, "received", got[0].event)
	assert.Equal(t, map[string]any{
		"event": "received",
		"data":  map[string]any{"text": "hi", "user": "alice"},
	}, decodeFrame(t, got[0]))
}

func TestBroadcastAllIncludesSender(t *testing.T) {
	reg := registry.New()
	a, b := conn("a", "alice"), conn("b", "bob")
	reg.Register("t1", "/chat", a)
	reg.Register("t1", "/chat", b)
	e := newTestEngine(t, reg, orOr)

	res, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "chat", Event: "received", Data: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestBroadcastToContextReachesOnlyMembers(t *testing.T) {
	reg := registry.New()
	a, b := conn("a", "alice"), conn("b", "bob")
	reg.Register("t1", "/chat", a)
	reg.Register("t1", "/chat", b)
	reg.EnterContext("t1", "/chat", a, "room1")
	e := newTestEngine(t, reg, orOr)

	_, err := e.Broadcast(context.Background(), Request{
		Tenant:  "t1",
		Service: "/chat",
		Event:   "received",
		Data:    map[string]any{"text": "room only"},
		Filter:  Filter{Context: Selector{Include: []string{"room1"}}},
	})
	require.NoError(t, err)

	assert.Len(t, a.received(), 1)
	assert.Never(t, func() bool { return len(b.received()) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestBroadcastIsScopedToTenant(t *testing.T) {
	reg := registry.New()
	a, b := conn("a", "alice"), conn("b", "bob")
	reg.Register("t1", "/chat", a)
	reg.Register("t2", "/chat", b)
	e := newTestEngine(t, reg, orOr)

	_, err := e.Broadcast(context.Background(), Request{Tenant: "t2", Service: "/chat", Event: "received"})
	require.NoError(t, err)
	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)
}

func TestBroadcastIsBestEffort(t *testing.T) {
	reg := registry.New()
	broken, closed, ok := conn("a", "alice"), conn("b", "bob"), conn("c", "carol")
	broken.fail = true
	closed.closed = true
	for _, m := range []*fakeConn{broken, closed, ok} {
		reg.Register("t1", "/chat", m)
	}
	obs := &countingObserver{}
	e := newTestEngine(t, reg, orOr, WithObserver(obs))

	res, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "/chat", Event: "received"})
	require.NoError(t, err)
	assert.Equal(t, Result{Targets: 3, Delivered: 1, Skipped: 1, Failed: 1}, res)
	assert.Len(t, ok.received(), 1)
	require.Len(t, obs.results, 1)
	assert.Equal(t, []string{OriginLocal}, obs.origins)
}

func TestBroadcastWithoutTargetsIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, registry.New(), orOr, WithPublisher(pub))

	res, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "/chat", Event: "received"})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, pub.calls, 1, "remote processes may still hold targets")
}

func TestBroadcastValidatesRequest(t *testing.T) {
	e := newTestEngine(t, registry.New(), orOr)

	_, err := e.Broadcast(context.Background(), Request{Service: "/chat"})
	assert.ErrorIs(t, err, errspkg.ErrEventRequired)

	_, err = e.Broadcast(context.Background(), Request{Service: "/nope", Event: "received"})
	assert.ErrorIs(t, err, errspkg.ErrUnknownService)
}

func TestBindRejectsDuplicatePath(t *testing.T) {
	e := newTestEngine(t, registry.New(), orOr)
	err := e.Bind(chatService(), nil)
	assert.ErrorIs(t, err, errspkg.ErrServiceAlreadyBound)
}

func TestBroadcastPublishesEnvelope(t *testing.T) {
	reg := registry.New()
	reg.Register("t1", "/chat", conn("a", "alice"))
	pub := &fakePublisher{}
	e := newTestEngine(t, reg, orOr, WithPublisher(pub))

	filter := Filter{Role: Selector{Exclude: []string{"guest"}}}
	_, err := e.Broadcast(context.Background(), Request{
		Tenant:  "t1",
		Service: "/chat",
		Event:   "received",
		Data:    map[string]any{"text": "hi"},
		Headers: map[string]any{"priority": "high"},
		Filter:  filter,
		Exclude: "a",
	})
	require.NoError(t, err)

	require.Len(t, pub.calls, 1)
	call := pub.calls[0]
	assert.Equal(t, "ChatService", call.service)
	assert.Equal(t, "/chat", call.path)
	assert.Equal(t, metadata.PayloadEnvelope, call.md.Get(metadata.KeyPayload))

	env, err := JSONCodec{}.Unmarshal(call.payload)
	require.NoError(t, err)
	assert.Equal(t, "t1", env.Tenant)
	assert.Equal(t, "received", env.Event)
	assert.Equal(t, map[string]any{"text": "hi"}, env.Data)
	assert.Equal(t, map[string]any{"priority": "high"}, env.Headers)
	assert.Equal(t, filter, env.Filter())
}

func TestRawCodecPublishesComposedFrame(t *testing.T) {
	reg := registry.New()
	reg.Register("t1", "/chat", conn("a", "alice"))
	pub := &fakePublisher{}
	e := newTestEngine(t, reg, orOr, WithPublisher(pub), WithCodec(RawCodec{}))

	_, err := e.Broadcast(context.Background(), Request{
		Tenant:  "t1",
		Service: "/chat",
		Event:   "received",
		Data:    map[string]any{"text": "hi"},
		Exclude: "a",
	})
	require.NoError(t, err)

	require.Len(t, pub.calls, 1)
	call := pub.calls[0]
	assert.Equal(t, metadata.PayloadFrame, call.md.Get(metadata.KeyPayload))
	assert.Equal(t, "t1", call.md.Get(metadata.KeyTenant))
	assert.Equal(t, "received", call.md.Get(metadata.KeyEvent))
	assert.JSONEq(t, `{"event":"received","data":{"text":"hi"}}`, string(call.payload))
}

func TestRawCodecKeepsEnvelopeForFilteredBroadcast(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, registry.New(), orOr, WithPublisher(pub), WithCodec(RawCodec{}))

	filter := Filter{Context: Selector{Include: []string{"room1"}}}
	_, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "/chat", Event: "received", Filter: filter})
	require.NoError(t, err)

	require.Len(t, pub.calls, 1)
	assert.Equal(t, metadata.PayloadEnvelope, pub.calls[0].md.Get(metadata.KeyPayload))
	env, err := RawCodec{}.Unmarshal(pub.calls[0].payload)
	require.NoError(t, err)
	assert.Equal(t, filter, env.Filter())
}

func TestLocalBroadcastDoesNotPublish(t *testing.T) {
	pub := &fakePublisher{}
	e := newTestEngine(t, registry.New(), orOr, WithPublisher(pub))

	_, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "/chat", Event: "received", Local: true})
	require.NoError(t, err)
	assert.Empty(t, pub.calls)
}

func TestPublishFailureDoesNotPropagate(t *testing.T) {
	reg := registry.New()
	a, b := conn("a", "alice"), conn("b", "bob")
	reg.Register("t1", "/chat", a)
	reg.Register("t1", "/chat", b)
	pub := &fakePublisher{err: errors.New("adapter down")}
	obs := &countingObserver{}
	e := newTestEngine(t, reg, orOr, WithPublisher(pub), WithObserver(obs))

	res, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "/chat", Event: "received", Exclude: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Len(t, b.received(), 1)
	assert.Len(t, pub.calls, 1)
	assert.Equal(t, 1, obs.publishErrors)
}

func TestReceiveReplaysLocallyWithoutRepublishing(t *testing.T) {
	reg := registry.New()
	a, b := conn("a", "alice", "admin"), conn("b", "bob", "guest")
	reg.Register("t1", "/chat", a)
	reg.Register("t1", "/chat", b)
	pub := &fakePublisher{}
	obs := &countingObserver{}
	e := newTestEngine(t, reg, orOr, WithPublisher(pub), WithObserver(obs))

	payload, err := JSONCodec{}.Marshal(Envelope{
		Tenant: "t1",
		Event:  "received",
		Data:   map[string]any{"text": "from afar"},
		Role:   Selector{Exclude: []string{"guest"}},
	})
	require.NoError(t, err)

	require.NoError(t, e.Receive(context.Background(), "/chat", nil, payload))
	assert.Len(t, a.received(), 1)
	assert.Empty(t, b.received())
	assert.Empty(t, pub.calls)
	assert.Equal(t, []string{OriginRemote}, obs.origins)
}

func TestReceiveRejectsMalformedEnvelope(t *testing.T) {
	e := newTestEngine(t, registry.New(), orOr)
	err := e.Receive(context.Background(), "/chat", nil, []byte("not json"))
	assert.ErrorIs(t, err, errspkg.ErrMalformedFanoutEnvelope)
}

func TestReceiveDeliversComposedFrame(t *testing.T) {
	reg := registry.New()
	a, b, other := conn("a", "alice"), conn("b", "bob"), conn("c", "carol")
	reg.Register("t1", "/chat", a)
	reg.Register("t1", "/chat", b)
	reg.Register("t2", "/chat", other)
	pub := &fakePublisher{}
	e := newTestEngine(t, reg, orOr, WithPublisher(pub))

	md := metadata.New(
		metadata.KeyPayload, metadata.PayloadFrame,
		metadata.KeyTenant, "t1",
		metadata.KeyEvent, "received",
	)
	payload := []byte(`{"event":"received","data":{"text":"from afar"}}`)
	require.NoError(t, e.Receive(context.Background(), "/chat", md, payload))

	for _, c := range []*fakeConn{a, b} {
		got := c.received()
		require.Len(t, got, 1)
		assert.Equal(t, "received", got[0].event)
		assert.Equal(t, payload, got[0].payload)
	}
	assert.Empty(t, other.received())
	assert.Empty(t, pub.calls)
}

func TestReceiveRejectsFrameWithoutEvent(t *testing.T) {
	e := newTestEngine(t, registry.New(), orOr)
	md := metadata.New(metadata.KeyPayload, metadata.PayloadFrame, metadata.KeyTenant, "t1")
	err := e.Receive(context.Background(), "/chat", md, []byte("{}"))
	assert.ErrorIs(t, err, errspkg.ErrMalformedFanoutEnvelope)
}

func TestBroadcastComposesPerEventFormat(t *testing.T) {
	reg := registry.New()
	a := conn("a", "alice")
	reg.Register("t1", "/chat", a)
	e := newTestEngine(t, reg, orOr)

	_, err := e.Broadcast(context.Background(), Request{Tenant: "t1", Service: "/chat", Event: "unknown", Data: map[string]any{"x": 1}})
	require.NoError(t, err)
	got := a.received()
	require.Len(t, got, 1)
	assert.Equal(t, "unknown", decodeFrame(t, got[0])["event"])
}
