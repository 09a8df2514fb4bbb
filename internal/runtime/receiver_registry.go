package runtime

import (
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// ReceiverFactory constructs the receiver for one message type.
type ReceiverFactory func(deps ReceiverDeps) (Receiver, error)

// DefaultReceiverFactory builds a ChannelReceiver.
func DefaultReceiverFactory(deps ReceiverDeps) (Receiver, error) {
	return NewChannelReceiver(deps)
}

// ReceiverRegistry maps message type identifiers to receiver factories.
type ReceiverRegistry struct {
	mu        sync.RWMutex
	factories map[string]ReceiverFactory
	frozen    bool
}

func NewReceiverRegistry() *ReceiverRegistry {
	return &ReceiverRegistry{factories: make(map[string]ReceiverFactory)}
}

// Register binds factory to messageType. A nil factory selects DefaultReceiverFactory.
func (r *ReceiverRegistry) Register(messageType string, factory ReceiverFactory) error {
	if messageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if factory == nil {
		factory = DefaultReceiverFactory
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	if _, exists := r.factories[messageType]; exists {
		return fmt.Errorf("relayflow: receiver already registered for message type %s", messageType)
	}
	r.factories[messageType] = factory
	return nil
}

// Build constructs the receiver registered for deps.MessageType.
func (r *ReceiverRegistry) Build(deps ReceiverDeps) (Receiver, error) {
	r.mu.RLock()
	factory, ok := r.factories[deps.MessageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("relayflow: no receiver registered for message type %s", deps.MessageType)
	}
	return factory(deps)
}

func (r *ReceiverRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// MessageTypes returns the registered message types in sorted order.
func (r *ReceiverRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for mt := range r.factories {
		out = append(out, mt)
	}
	sort.Strings(out)
	return out
}
