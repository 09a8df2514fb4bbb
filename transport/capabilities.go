package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsLease indicates deliveries hold a lock the receiver must renew.
	SupportsLease bool

	// SupportsPrefetch indicates Fetch can return more than one envelope per call.
	SupportsPrefetch bool

	// SupportsDeliveryCount indicates the broker tracks redeliveries itself.
	// When false the adapter counts deliveries in process, which resets on restart.
	SupportsDeliveryCount bool

	// SupportsNativeDLQ indicates the broker has built-in dead-letter routing.
	// When false the adapter publishes dead letters to a derived channel.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport guarantees order within a partition or queue.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresDLQEmulation returns true if the adapter routes dead letters itself.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	MemoryCapabilities = Capabilities{
		Name:                  "memory",
		SupportsLease:         true,
		SupportsPrefetch:      true,
		SupportsDeliveryCount: true,
		SupportsNativeDLQ:     true,
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
	}

	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsPrefetch: true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsPrefetch: true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsPrefetch: true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsPrefetch: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                  "nats-jetstream",
		SupportsLease:         true,
		SupportsPrefetch:      true,
		SupportsDeliveryCount: true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
		SupportsAck:           true,
		SupportsNack:          true,
		MaxMessageSize:        1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsPrefetch: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	SQSCapabilities = Capabilities{
		Name:                  "sqs",
		SupportsLease:         true,
		SupportsPrefetch:      true,
		SupportsDeliveryCount: true,
		SupportsAck:           true,
		SupportsNack:          true,
		MaxMessageSize:        262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
		SupportsAck:     true,
	}
)

// GetCapabilities returns the capabilities for a transport by name from the
// default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
