// Package rabbitmq provides the RabbitMQ/AMQP transport. Each channel is a
// fanout exchange; every process binds its own non-durable, auto-deleted
// queue to it.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/wsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection closes the shared connection once publisher and
// subscriber are closed. Overridable for testing.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// Register registers the RabbitMQ transport with the default registry.
// It is called by the transports package or explicitly before use.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// PubSubConfig returns the AMQP configuration of one process: fanout
// exchanges named after the topic and non-durable queues suffixed with the
// process id. Queues are deleted with their last consumer.
func PubSubConfig(url, processID string) amqp.Config {
	c := amqp.NewNonDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicNameWithSuffix(processID),
	)
	c.Queue.AutoDelete = true
	return c
}

// Build creates a new RabbitMQ transport sharing one connection between
// publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := PubSubConfig(url, cfg.GetProcessID())

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  &connPublisher{Publisher: publisher, conn: conn},
		Subscriber: subscriber,
	}, nil
}

// connPublisher closes the shared connection after the publisher.
type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	err := p.Publisher.Close()
	if cerr := CloseConnection(p.conn); err == nil {
		err = cerr
	}
	return err
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
