// Package relayflow is a transport-agnostic message processing core. A Service
// hosts one receiver per subscribed message type; each receiver pulls
// envelopes from a transport, bounds how many it processes at once, keeps
// their broker locks alive, and runs every envelope through a shared
// middleware pipeline into a typed handler.
//
// A handler settles its message through the StateHandler it receives:
// Complete, Retry, DeadLetter or Abandon. Exactly one outcome is accepted per
// message; a second one returns *InvalidOperationError. When a handler returns
// without recording an outcome the receiver decides for it.
//
// A minimal setup fills Config, creates a Service, registers a handler with
// Handle, and calls Start:
//
//	svc, err := relayflow.NewService(&relayflow.Config{PubSubSystem: "memory"}, logger, ctx, relayflow.ServiceDependencies{})
//	err = relayflow.Handle(svc, relayflow.ReceiverRegistration{
//		MessageType: "order.placed",
//		Channel:     relayflow.Channel{Name: "orders"},
//		Settings:    relayflow.ProcessingSettings{MaxConcurrentCalls: 4, PrefetchCount: 8, MessageLockTimeout: 30 * time.Second, DeadLetterDeliveryLimit: 5},
//	}, func(ctx context.Context, msg *OrderPlaced, sh *relayflow.StateHandler) error {
//		return sh.Complete(ctx)
//	})
//	err = svc.Start(ctx)
//
// # Transports
//
// Transports register themselves with the transport registry on import.
// Import github.com/drblury/relayflow/transport/transports to register all of them:
//   - memory: in-process queue with lock timeouts and dead-letter inspection
//   - sqs: native Amazon SQS with visibility-timeout lock renewal
//   - nats-jetstream: native JetStream pull consumer with in-progress lock renewal
//   - channel, kafka, rabbitmq, nats, http, aws: Watermill publishers and
//     subscribers behind the pull adapter in transport/pubsub
//
// # Middleware
//
// The default chain recovers panics, assigns correlation ids, logs messages,
// opens an OpenTelemetry span, records Prometheus metrics when enabled, and
// retries in process when Config.RetryMaxRetries is set. The first registered
// middleware is the outermost. Custom middleware goes in
// ServiceDependencies.Middlewares.
//
// # Singletons
//
// Service.RunExclusive runs work under a Redis-backed singleton lock that is
// renewed while the work runs. Set Config.RedisAddr or pass a Locker in
// ServiceDependencies.Singletons.
package relayflow
