package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/wsflow/transport"
	"github.com/drblury/wsflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, transport.ChannelCapabilities, caps)
	assert.Equal(t, caps, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("delivers between publisher and subscriber", func(t *testing.T) {
		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		defer tr.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		msgs, err := tr.Subscriber.Subscribe(ctx, "websocket/chat")
		require.NoError(t, err)

		require.NoError(t, tr.Publisher.Publish("websocket/chat", message.NewMessage("1", []byte("hello"))))

		select {
		case msg := <-msgs:
			assert.Equal(t, "hello", string(msg.Payload))
			msg.Ack()
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}
		var gotCfg gochannel.Config
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			gotCfg = cfg
			return pub, sub
		}

		tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
		assert.Equal(t, int64(OutputBuffer), gotCfg.OutputChannelBuffer)
		assert.False(t, gotCfg.Persistent)
	})
}
