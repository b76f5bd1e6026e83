// Package transport defines the pub/sub backends the fan-out adapter can
// run on. Each backend (kafka, rabbitmq, nats, aws, http, redis, channel)
// lives in its own sub-package and registers a Builder with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and then the publisher. Both may be the same
// value, as with the in-memory channel.
func (t Transport) Close() error {
	var first error
	if t.Subscriber != nil {
		first = t.Subscriber.Close()
	}
	if t.Publisher != nil {
		if same, ok := t.Publisher.(message.Subscriber); ok && same == t.Subscriber {
			return first
		}
		if err := t.Publisher.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that is registered by name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// Transports read only what they need without depending on the full
// config package.
type Config interface {
	// GetAdapterImpl returns the transport name.
	GetAdapterImpl() string

	// GetProcessID identifies this process. Every process must see every
	// fan-out message, so subscriptions that would otherwise be shared
	// (consumer groups, queues) are made unique with it.
	GetProcessID() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// Redis
	GetRedisURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPeerURLs() []string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
