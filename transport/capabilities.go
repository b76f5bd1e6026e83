package transport

// Capabilities describes what a backend guarantees to the fan-out adapter.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates messages published by one process reach
	// every other process in publish order.
	SupportsOrdering bool

	// SupportsTracing indicates message metadata (origin, trace id) travels
	// with the payload.
	SupportsTracing bool

	// Persistent indicates messages published while a process is offline
	// are delivered once it resubscribes. Fan-out never relies on this.
	Persistent bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// Fits reports whether a payload of size bytes is within MaxMessageSize.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// KafkaCapabilities for Apache Kafka with one consumer group per process.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		Persistent:       true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for a fanout exchange with non-durable queues.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// NATSCapabilities for NATS Core subjects.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// RedisCapabilities for Redis PUBLISH/SUBSCRIBE.
	RedisCapabilities = Capabilities{
		Name:             "redis",
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   536870912, // 512MB
	}

	// AWSCapabilities for an SNS topic fanned out to per-process SQS queues.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsTracing: true,
		Persistent:      true,
		MaxMessageSize:  262144, // 256KB
	}

	// HTTPCapabilities for webhook relays between peers.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities value holding only the name if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
