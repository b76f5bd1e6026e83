// Package redis provides the Redis PUBLISH/SUBSCRIBE transport. Redis
// delivers every published message to every subscribed connection, which is
// exactly the fan-out contract; nothing is persisted.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/wsflow/internal/runtime/jsoncodec"
	"github.com/drblury/wsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "redis"

var errClosed = errors.New("redis transport closed")

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts *goredis.Options) goredis.UniversalClient {
	return goredis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the Redis transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisCapabilities)
}

// Build creates a Redis transport with one client shared by publisher and
// subscriber. The client reconnects on its own; PING verifies the URL.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts, err := goredis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return transport.Transport{}, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ClientName = "wsflow-" + cfg.GetProcessID()

	client := ClientFactory(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return transport.Transport{}, fmt.Errorf("redis ping: %w", err)
	}

	ps := New(client, logger)
	return transport.Transport{Publisher: ps, Subscriber: ps}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

// frame is the wire form of a watermill message on a Redis channel.
type frame struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Marshal encodes a message for PUBLISH.
func Marshal(msg *message.Message) ([]byte, error) {
	return jsoncodec.Marshal(frame{UUID: msg.UUID, Metadata: msg.Metadata, Payload: msg.Payload})
}

// Unmarshal decodes a PUBLISH payload.
func Unmarshal(raw []byte) (*message.Message, error) {
	var f frame
	if err := jsoncodec.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	msg := message.NewMessage(f.UUID, f.Payload)
	for k, v := range f.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}

// PubSub is a watermill Publisher and Subscriber over Redis channels.
type PubSub struct {
	client goredis.UniversalClient
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	subs    sync.WaitGroup
}

// New wraps a client.
func New(client goredis.UniversalClient, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{client: client, logger: logger, closing: make(chan struct{})}
}

// Publish sends every message with PUBLISH to the topic channel.
func (p *PubSub) Publish(topic string, messages ...*message.Message) error {
	if p.isClosed() {
		return errClosed
	}
	for _, msg := range messages {
		raw, err := Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
		}
		ctx := msg.Context()
		if err := p.client.Publish(ctx, topic, raw).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe subscribes to the topic channel. The returned channel is closed
// when ctx is done or the PubSub is closed. Messages are delivered one at a
// time and must be acked or nacked; a nacked message is dropped since
// Redis cannot redeliver.
func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if p.isClosed() {
		return nil, errClosed
	}
	sub := p.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan *message.Message)
	logFields := watermill.LogFields{"topic": topic}
	p.subs.Add(1)
	go func() {
		defer p.subs.Done()
		defer close(out)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.closing:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := Unmarshal([]byte(raw.Payload))
				if err != nil {
					p.logger.Error("Dropping malformed redis message", err, logFields)
					continue
				}
				if !p.deliver(ctx, out, msg) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *PubSub) deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-p.closing:
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		p.logger.Debug("Redis message nacked; dropped", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-p.closing:
		return false
	}
	return true
}

func (p *PubSub) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops every subscription and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.subs.Wait()
	return p.client.Close()
}
