// Package nats provides a NATS Core transport for relayflow. For durable
// delivery with server-side redelivery counts use the jetstream transport.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relayflow/transport"
	"github.com/drblury/relayflow/transport/pubsub"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS Core transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	// JetStream has its own transport; this one stays on core subjects.
	core := nats.JetStreamConfig{Disabled: true}

	return pubsub.Assemble(transport.NATSCapabilities, logger,
		func() (message.Publisher, error) {
			return PublisherFactory(nats.PublisherConfig{URL: url, Marshaler: marshaler, JetStream: core}, logger)
		},
		func() (message.Subscriber, error) {
			return SubscriberFactory(nats.SubscriberConfig{URL: url, Unmarshaler: marshaler, JetStream: core}, logger)
		},
	)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
