// Package transport defines the contract between the relayflow processing core
// and the brokers it receives from. Each transport implementation (memory,
// kafka, sqs, etc.) lives in its own sub-package and registers itself with the
// transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/relayflow/internal/runtime/lease"
	"github.com/drblury/relayflow/internal/runtime/metadata"
)

// Envelope is a single received unit of work plus the transport metadata needed
// to settle it.
type Envelope struct {
	ID          string
	MessageType string
	Payload     []byte
	// DeliveryCount is 1 on the first delivery.
	DeliveryCount int
	Properties    metadata.Properties
	// RedeliveryToken is the opaque handle the transport needs to settle this
	// delivery (receipt handle, pop receipt, ack subject).
	RedeliveryToken string
	EnqueuedAt      time.Time
}

// Outcome is the terminal decision recorded for an envelope.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeComplete
	OutcomeRetry
	OutcomeDeadLetter
	OutcomeAbandon
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLetter:
		return "dead_letter"
	case OutcomeAbandon:
		return "abandon"
	default:
		return "none"
	}
}

// Acknowledgment is sent to the transport exactly once per envelope. Abandon is
// delivered as OutcomeRetry: the transport only distinguishes settle, redeliver
// and dead-letter.
type Acknowledgment struct {
	Outcome Outcome
	Reason  string
}

// Channel identifies the source a receiver pulls from.
type Channel struct {
	// Name is the queue or topic name.
	Name string
	// Subscription names the consumer group or subscription where the
	// transport distinguishes one from the topic.
	Subscription string
	// DeadLetter names the dead-letter destination. Empty derives it from Name.
	DeadLetter string
	// LockTimeout is the visibility/lock duration requested per delivery.
	LockTimeout time.Duration
}

// DefaultDeadLetterSuffix is appended to Name when DeadLetter is empty.
const DefaultDeadLetterSuffix = "-dead-letter"

// DeadLetterName returns the configured dead-letter destination.
func (c Channel) DeadLetterName() string {
	if c.DeadLetter != "" {
		return c.DeadLetter
	}
	return c.Name + DefaultDeadLetterSuffix
}

// Receiver fetches envelopes from one channel and settles them.
type Receiver interface {
	// Fetch returns up to max envelopes. An empty batch with a nil error means
	// nothing was available.
	Fetch(ctx context.Context, max int) ([]*Envelope, error)
	// Acknowledge settles env. It is called exactly once per envelope.
	Acknowledge(ctx context.Context, env *Envelope, ack Acknowledgment) error
}

// Provisioner is implemented by receivers that create their topic, queue or
// subscription before receiving.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// LeaseProvider is implemented by receivers whose deliveries hold a renewable
// lock. The returned lease renews the lock for env; its Release is not used by
// the core because the acknowledgment settles the lock.
type LeaseProvider interface {
	Lease(env *Envelope, timeout time.Duration) lease.Lease
}

// Sender is implemented by transports that can enqueue messages. It returns
// the id assigned to the message.
type Sender interface {
	Send(ctx context.Context, channel, messageType string, payload []byte, props metadata.Properties) (string, error)
}

// Transport produces receivers for channels.
type Transport interface {
	Receiver(ctx context.Context, ch Channel) (Receiver, error)
	Capabilities() Capabilities
	Close() error
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that it registers on init.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	GetDeadLetterSuffix() string
}

// DLQManager is implemented by transports that can replay or purge dead letters.
type DLQManager interface {
	DeadLetterCount(ctx context.Context, ch Channel) (int64, error)
	ReplayDeadLetters(ctx context.Context, ch Channel) (int64, error)
	PurgeDeadLetters(ctx context.Context, ch Channel) (int64, error)
}

// DLQLister is implemented by transports that can list dead letters.
type DLQLister interface {
	ListDeadLetters(ctx context.Context, ch Channel, limit, offset int) ([]DeadLetter, error)
}

// DeadLetter is an inspectable dead-lettered message.
type DeadLetter struct {
	ID            string            `json:"id"`
	MessageType   string            `json:"message_type"`
	Channel       string            `json:"channel"`
	Payload       []byte            `json:"payload"`
	Properties    map[string]string `json:"properties"`
	Reason        string            `json:"reason"`
	DeliveryCount int               `json:"delivery_count"`
	FailedAt      time.Time         `json:"failed_at"`
}

// QueueIntrospector is implemented by transports that can report queue depth.
type QueueIntrospector interface {
	PendingCount(ctx context.Context, ch Channel) (int64, error)
}

// Header keys used by transports that carry envelope fields in message headers.
const (
	HeaderMessageType   = "relayflow_message_type"
	HeaderDeadLetterWhy = "relayflow_dead_letter_reason"
	HeaderDeliveryCount = "relayflow_delivery_count"
	HeaderOriginChannel = "relayflow_origin_channel"
)
