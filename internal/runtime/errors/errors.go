package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired           = sterrors.New("relayflow: service is required")
	ErrConfigRequired            = sterrors.New("relayflow: config is required")
	ErrLoggerRequired            = sterrors.New("relayflow: logger is required")
	ErrTransportRequired         = sterrors.New("relayflow: transport is required")
	ErrHandlerRequired           = sterrors.New("relayflow: handler function is required")
	ErrMessageTypeRequired       = sterrors.New("relayflow: message type is required")
	ErrChannelRequired           = sterrors.New("relayflow: channel name is required")
	ErrHandlerAlreadyRegistered  = sterrors.New("relayflow: handler already registered for message type")
	ErrRegistryFrozen            = sterrors.New("relayflow: registry is frozen after start")
	ErrHandlerNotFound           = sterrors.New("relayflow: no handler registered for message type")
	ErrSerialization             = sterrors.New("relayflow: message payload could not be deserialized")
	ErrAttachmentProviderMissing = sterrors.New("relayflow: message carries an attachment but no attachment provider is configured")
	ErrOutcomeAlreadyRecorded    = sterrors.New("relayflow: message outcome already recorded")
	ErrOutcomeNotRecorded        = sterrors.New("relayflow: pipeline returned without recording an outcome")
	ErrDeliveryLimitExceeded     = sterrors.New("relayflow: delivery count reached the dead-letter limit")
	ErrReceiverNotRestartable    = sterrors.New("relayflow: channel receiver cannot be restarted")
	ErrServiceStarted            = sterrors.New("relayflow: service already started")
	ErrDLQUnsupported            = sterrors.New("relayflow: transport does not support dead-letter management")
	ErrPanicRecovered            = sterrors.New("relayflow: panic recovered while processing message")
	ErrSingletonUnavailable      = sterrors.New("relayflow: no singleton locker configured")
	ErrSendUnsupported           = sterrors.New("relayflow: transport cannot send messages")
)

// InvalidOperationError reports a second outcome on a message state handler.
type InvalidOperationError struct {
	MessageID string
	Attempted string
	Recorded  string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("relayflow: cannot %s message %s: outcome %s already recorded", e.Attempted, e.MessageID, e.Recorded)
}

func (e *InvalidOperationError) Unwrap() error { return ErrOutcomeAlreadyRecorded }

// HandlerNotFoundError is returned when the handler registry has no entry for a message type.
type HandlerNotFoundError struct {
	MessageType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("relayflow: no handler registered for message type %q", e.MessageType)
}

func (e *HandlerNotFoundError) Unwrap() error { return ErrHandlerNotFound }

// SerializationError wraps a payload that can never be deserialized into the handler's type.
type SerializationError struct {
	MessageType string
	Err         error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("relayflow: deserialize %q: %v", e.MessageType, e.Err)
}

func (e *SerializationError) Unwrap() []error { return []error{ErrSerialization, e.Err} }

// ErrorClass groups failures by how the runtime resolves them.
type ErrorClass string

const (
	ClassTransient     ErrorClass = "transient"
	ClassPoison        ErrorClass = "poison"
	ClassConfiguration ErrorClass = "configuration"
	ClassFatal         ErrorClass = "fatal"
)

// Classify maps an envelope-level error onto the runtime's error taxonomy.
// Anything unknown is treated as transient and left to transport redelivery.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case sterrors.Is(err, ErrSerialization), sterrors.Is(err, ErrDeliveryLimitExceeded):
		return ClassPoison
	case sterrors.Is(err, ErrHandlerNotFound),
		sterrors.Is(err, ErrAttachmentProviderMissing),
		sterrors.Is(err, ErrOutcomeAlreadyRecorded),
		sterrors.Is(err, ErrOutcomeNotRecorded):
		return ClassConfiguration
	case sterrors.Is(err, ErrTransportRequired), sterrors.Is(err, ErrReceiverNotRestartable):
		return ClassFatal
	case sterrors.Is(err, context.Canceled), sterrors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassTransient
	}
}
