package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/lease"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/transport"
)

// StateHandler is the per-envelope handle through which handlers and
// middleware record the outcome of processing. Exactly one outcome can be
// recorded; it is forwarded to the transport exactly once.
type StateHandler struct {
	env     *transport.Envelope
	channel transport.Channel
	acker   transport.Receiver
	logger  loggingpkg.ServiceLogger
	dlq     *DLQMetrics

	renewer    *lease.Renewer
	scope      Scope
	message    any
	handler    HandlerRegistration
	attachment *serialization.Attachment

	mu         sync.Mutex
	outcome    transport.Outcome
	recordedAt time.Time
	reason     string

	closeOnce sync.Once
	closeErr  error
}

// NewStateHandler binds env to the receiver that will settle it.
func NewStateHandler(env *transport.Envelope, ch transport.Channel, acker transport.Receiver, logger loggingpkg.ServiceLogger) *StateHandler {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &StateHandler{env: env, channel: ch, acker: acker, logger: logger}
}

func (sh *StateHandler) Envelope() *transport.Envelope { return sh.env }
func (sh *StateHandler) Channel() transport.Channel    { return sh.channel }

// Message returns the deserialized message, nil before deserialization.
func (sh *StateHandler) Message() any { return sh.message }

// Scope returns the dependency scope opened for this message, if any.
func (sh *StateHandler) Scope() Scope { return sh.scope }

// Attachment returns the downloaded attachment, if the envelope referenced one.
func (sh *StateHandler) Attachment() *serialization.Attachment { return sh.attachment }

func (sh *StateHandler) Outcome() transport.Outcome {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.outcome
}

func (sh *StateHandler) RecordedAt() time.Time {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.recordedAt
}

func (sh *StateHandler) DeadLetterReason() string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.reason
}

// Complete settles the message successfully.
func (sh *StateHandler) Complete(ctx context.Context) error {
	return sh.record(ctx, transport.OutcomeComplete, "")
}

// Retry returns the message to the transport for redelivery.
func (sh *StateHandler) Retry(ctx context.Context) error {
	return sh.record(ctx, transport.OutcomeRetry, "")
}

// DeadLetter moves the message to the dead-letter destination with reason.
func (sh *StateHandler) DeadLetter(ctx context.Context, reason string) error {
	return sh.record(ctx, transport.OutcomeDeadLetter, reason)
}

// Abandon releases the message without judgment, typically on cancellation.
func (sh *StateHandler) Abandon(ctx context.Context) error {
	return sh.record(ctx, transport.OutcomeAbandon, "")
}

func (sh *StateHandler) record(ctx context.Context, outcome transport.Outcome, reason string) error {
	sh.mu.Lock()
	if sh.outcome != transport.OutcomeNone {
		recorded := sh.outcome
		sh.mu.Unlock()
		return &errspkg.InvalidOperationError{
			MessageID: sh.env.ID,
			Attempted: outcome.String(),
			Recorded:  recorded.String(),
		}
	}
	sh.outcome = outcome
	sh.recordedAt = time.Now()
	sh.reason = reason
	sh.mu.Unlock()

	sh.stopRenewer()

	ack := transport.Acknowledgment{Outcome: outcome, Reason: reason}
	if outcome == transport.OutcomeAbandon {
		ack.Outcome = transport.OutcomeRetry
	}

	// The acknowledgment must reach the broker even when shutdown cancelled ctx.
	if err := sh.acker.Acknowledge(context.WithoutCancel(ctx), sh.env, ack); err != nil {
		sh.logger.Error("Failed to acknowledge message", err, loggingpkg.LogFields{
			"message_id": sh.env.ID,
			"outcome":    outcome.String(),
		})
		return fmt.Errorf("acknowledge %s: %w", outcome, err)
	}

	if outcome == transport.OutcomeDeadLetter && sh.dlq != nil {
		sh.dlq.RecordMessageToDLQ(sh.channel.Name, sh.env.MessageType, sh.env.DeliveryCount, time.Since(sh.env.EnqueuedAt))
	}
	return nil
}

func (sh *StateHandler) stopRenewer() {
	if sh.renewer != nil {
		sh.renewer.Stop()
	}
}

// Close stops lock renewal and releases the scope and attachment. It runs
// once; later calls return the first result.
func (sh *StateHandler) Close() error {
	sh.closeOnce.Do(func() {
		sh.stopRenewer()
		var errs []error
		if sh.scope != nil {
			if err := sh.scope.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release scope: %w", err))
			}
		}
		if err := sh.attachment.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close attachment: %w", err))
		}
		sh.closeErr = errors.Join(errs...)
	})
	return sh.closeErr
}
