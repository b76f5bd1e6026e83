package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/wsflow/transport"
	"github.com/drblury/wsflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.Equal(t, caps, Capabilities())
}

func TestTopicPath(t *testing.T) {
	assert.Equal(t, "/websocket/chat", TopicPath("websocket/chat"))
	assert.Equal(t, "/websocket/chat", TopicPath("/websocket/chat"))
}

func stubFactories(t *testing.T, pubs []*transporttest.Publisher, pubErr error, sub message.Subscriber, subErr error) *[]watermillhttp.PublisherConfig {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var configs []watermillhttp.PublisherConfig
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		if pubErr != nil && len(configs) == len(pubs) {
			return nil, pubErr
		}
		p := pubs[len(configs)]
		configs = append(configs, cfg)
		return p, nil
	}
	SubscriberFactory = func(addr string, cfg watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8081", addr)
		return sub, subErr
	}
	return &configs
}

func TestBuild(t *testing.T) {
	cfg := &transporttest.Config{
		HTTPServerAddress: ":8081",
		HTTPPeerURLs:      []string{"http://node-a:8081/", "http://node-b:8081"},
	}

	t.Run("publishes to every peer", func(t *testing.T) {
		a, b := &transporttest.Publisher{}, &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		configs := stubFactories(t, []*transporttest.Publisher{a, b}, nil, sub, nil)

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.Len(t, *configs, 2)

		req, err := (*configs)[0].MarshalMessageFunc("websocket/chat", message.NewMessage("1", []byte("{}")))
		require.NoError(t, err)
		assert.Equal(t, "http://node-a:8081/websocket/chat", req.URL.String())

		msg := message.NewMessage("2", []byte("{}"))
		require.NoError(t, tr.Publisher.Publish("websocket/chat", msg))
		assert.Len(t, a.Messages("websocket/chat"), 1)
		assert.Len(t, b.Messages("websocket/chat"), 1)

		_, err = tr.Subscriber.Subscribe(context.Background(), "websocket/chat")
		require.NoError(t, err)
		assert.Equal(t, []string{"/websocket/chat"}, sub.Topics)

		require.NoError(t, tr.Publisher.Close())
		assert.True(t, a.Closed)
		assert.True(t, b.Closed)
	})

	t.Run("keeps publishing when one peer fails", func(t *testing.T) {
		a, b := &transporttest.Publisher{Err: errors.New("peer down")}, &transporttest.Publisher{}
		stubFactories(t, []*transporttest.Publisher{a, b}, nil, &transporttest.Subscriber{}, nil)

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		err = tr.Publisher.Publish("websocket/chat", message.NewMessage("1", nil))
		assert.ErrorContains(t, err, "peer down")
		assert.Len(t, b.Messages("websocket/chat"), 1)
	})

	t.Run("closes built publishers when a later one fails", func(t *testing.T) {
		a := &transporttest.Publisher{}
		stubFactories(t, []*transporttest.Publisher{a}, errors.New("publisher error"), nil, nil)

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
		assert.True(t, a.Closed)
	})

	t.Run("returns subscriber error", func(t *testing.T) {
		a, b := &transporttest.Publisher{}, &transporttest.Publisher{}
		stubFactories(t, []*transporttest.Publisher{a, b}, nil, nil, errors.New("subscriber error"))

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, a.Closed)
		assert.True(t, b.Closed)
	})
}
