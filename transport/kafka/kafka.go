// Package kafka provides the Kafka transport. Each process consumes with its
// own consumer group so every process sees every partition.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/wsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// DefaultGroupPrefix prefixes the per-process consumer group when no
// consumer group is configured.
const DefaultGroupPrefix = "wsflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// ConsumerGroup returns the consumer group of this process: the configured
// group (or DefaultGroupPrefix) suffixed with the process id.
func ConsumerGroup(cfg transport.Config) string {
	prefix := cfg.GetKafkaConsumerGroup()
	if prefix == "" {
		prefix = DefaultGroupPrefix
	}
	return prefix + "-" + cfg.GetProcessID()
}

// SubscriberSaramaConfig starts new consumer groups at the newest offset:
// broadcasts published before a process joined are not replayed.
func SubscriberSaramaConfig() *sarama.Config {
	sc := kafka.DefaultSaramaSubscriberConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	return sc
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         ConsumerGroup(cfg),
			OverwriteSaramaConfig: SubscriberSaramaConfig(),
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
	return transport.KafkaCapabilities
}
