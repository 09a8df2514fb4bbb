package config

import (
	"errors"
	"fmt"
	"time"
)

// ProcessingSettings configures how one message type is received and processed.
// Every field is required; there are no silent defaults.
type ProcessingSettings struct {
	// MaxConcurrentCalls bounds the number of envelopes processed at once.
	MaxConcurrentCalls int
	// PrefetchCount is the maximum batch size requested from the transport.
	PrefetchCount int
	// MessageLockTimeout is the lock duration requested per renewal.
	MessageLockTimeout time.Duration
	// DeadLetterDeliveryLimit dead-letters an envelope once its delivery count reaches it.
	DeadLetterDeliveryLimit int
}

// Validate reports every missing or out-of-range field.
func (s ProcessingSettings) Validate() error {
	var errs []error
	if s.MaxConcurrentCalls < 1 {
		errs = append(errs, fmt.Errorf("settings: max concurrent calls must be at least 1, got %d", s.MaxConcurrentCalls))
	}
	if s.PrefetchCount < 1 {
		errs = append(errs, fmt.Errorf("settings: prefetch count must be at least 1, got %d", s.PrefetchCount))
	}
	if s.MessageLockTimeout <= 0 {
		errs = append(errs, errors.New("settings: message lock timeout must be positive"))
	}
	if s.DeadLetterDeliveryLimit < 1 {
		errs = append(errs, fmt.Errorf("settings: dead-letter delivery limit must be at least 1, got %d", s.DeadLetterDeliveryLimit))
	}
	return errors.Join(errs...)
}
