// Package http provides the HTTP webhook transport. Every process serves a
// webhook endpoint per channel and publishes by POSTing to each configured
// peer.
package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/wsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicPath returns the webhook path of a channel.
func TopicPath(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

// Build creates a new HTTP transport: one publisher per peer URL and one
// subscriber serving on the configured address.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	peers := cfg.GetHTTPPeerURLs()
	pub := &peerPublisher{}
	for _, peer := range peers {
		base := strings.TrimSuffix(peer, "/")
		p, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(base+TopicPath(topic), msg)
				},
			},
			logger,
		)
		if err != nil {
			_ = pub.Close()
			return transport.Transport{}, fmt.Errorf("http publisher for %s: %w", peer, err)
		}
		pub.peers = append(pub.peers, p)
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: pathSubscriber{subscriber},
	}, nil
}

// peerPublisher publishes every message to all peers. A failing peer does
// not stop delivery to the others.
type peerPublisher struct {
	peers []message.Publisher
}

func (p *peerPublisher) Publish(topic string, messages ...*message.Message) error {
	var errs []error
	for _, peer := range p.peers {
		if err := peer.Publish(topic, messages...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *peerPublisher) Close() error {
	var errs []error
	for _, peer := range p.peers {
		if err := peer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pathSubscriber maps channel names to webhook paths.
type pathSubscriber struct {
	message.Subscriber
}

func (s pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, TopicPath(topic))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
