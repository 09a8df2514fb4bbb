/*
Package runtime provides the message processing core of relayflow.

# Architecture Overview

A Service hosts one Receiver per subscribed message type. Every receiver pulls
envelopes from a transport.Receiver, bounds how many are processed at once, and
hands each envelope to a shared Processor. The Processor resolves the handler,
deserializes the payload, loads the attachment, opens a dependency scope and
runs the middleware pipeline around the handler.

# Package Structure

## Core Service (service.go)

The Service wires together:
  - the transport built from Config through the transport registry
  - the handler and receiver registries
  - the middleware pipeline, built once at Start
  - HTTP servers for metrics and the status API

## Message State Handler (state_handler.go)

StateHandler records exactly one outcome per envelope (Complete, Retry,
DeadLetter, Abandon) and forwards it to the transport once. A second outcome
returns *errors.InvalidOperationError. Recording an outcome stops the
message's lock renewal.

## Middleware (middleware.go, hooks.go)

Middleware wraps the rest of the pipeline and may short-circuit it. The first
registered middleware is the outermost. The default chain is:
  - recoverer: converts panics into errors
  - correlation_id: assigns a correlation id property
  - log_messages: debug logs per message
  - tracer: OpenTelemetry consumer span
  - metrics: Prometheus duration and outcome counters (when enabled)
  - retry: in-process exponential backoff (when Config.RetryMaxRetries > 0)

JobHooksMiddleware adds OnJobStart, OnJobDone and OnJobError callbacks.

## Receivers (receiver.go, receiver_registry.go, receiver_stats.go)

ChannelReceiver is single-use: Created, Started, Running, Stopping, Stopped.
Envelopes whose delivery count reached the dead-letter limit are dead-lettered
without being processed. When the handler leaves no outcome the receiver
decides: cancellation and configuration defects abandon, other errors retry.
On shutdown in-flight handlers get the grace period before their context is
cancelled.

## Dead Letters (dlq_metrics.go)

DLQMetrics tracks dead-lettered, replayed and purged messages per channel.
Service.ReplayDeadLetters and Service.PurgeDeadLetters delegate to transports
implementing transport.DLQManager.

# Sub-packages

  - config: Config and per-message-type ProcessingSettings
  - errors: sentinel errors, typed errors and the error classification
  - ids: ULID generation
  - lease: the lock lease renewer
  - logging: ServiceLogger and its watermill bridge
  - metadata: the envelope property bag
  - serialization: JSON and protobuf serializers, attachments
*/
package runtime
