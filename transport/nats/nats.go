// Package nats provides the NATS Core transport. Subscriptions are plain
// subject subscriptions without a queue group, so every process receives
// every message.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/wsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ReconnectWait is the delay between client-level reconnect attempts.
const ReconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register registers the NATS transport with the default registry.
// It is called by the transports package or explicitly before use.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Options returns the client options shared by publisher and subscriber.
// The client retries the initial connect and reconnects forever; the
// adapter's own loop only handles builder failures.
func Options(processID string) []nc.Option {
	return []nc.Option{
		nc.Name("wsflow-" + processID),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(ReconnectWait),
	}
}

// Build creates a new NATS Core transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	opts := Options(cfg.GetProcessID())
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: opts,
			Marshaler:   marshaler,
			JetStream:   core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			NatsOptions:      opts,
			Unmarshaler:      marshaler,
			SubscribersCount: 1,
			JetStream:        core,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
