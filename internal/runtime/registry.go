package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
)

// HandlerFunc processes one deserialized message.
type HandlerFunc func(ctx context.Context, msg any, sh *StateHandler) error

// HandlerRegistration binds a message type identifier to a handler.
type HandlerRegistration struct {
	MessageType string
	// New returns a pointer to a fresh value the payload is deserialized into.
	New    func() any
	Handle HandlerFunc
}

// HandlerRegistry maps message types to handlers. It is populated before any
// receiver starts and frozen afterwards.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerRegistration
	frozen   bool
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerRegistration)}
}

// Register adds reg. It fails once the registry is frozen or when the message
// type already has a handler.
func (r *HandlerRegistry) Register(reg HandlerRegistration) error {
	if reg.MessageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if reg.Handle == nil || reg.New == nil {
		return errspkg.ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return errspkg.ErrRegistryFrozen
	}
	if _, exists := r.handlers[reg.MessageType]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrHandlerAlreadyRegistered, reg.MessageType)
	}
	r.handlers[reg.MessageType] = reg
	return nil
}

// RegisterHandler registers a typed handler. T is the message struct type; the
// handler receives a *T decoded from the payload.
func RegisterHandler[T any](r *HandlerRegistry, messageType string, fn func(ctx context.Context, msg *T, sh *StateHandler) error) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.Register(HandlerRegistration{
		MessageType: messageType,
		New:         func() any { return new(T) },
		Handle: func(ctx context.Context, msg any, sh *StateHandler) error {
			typed, ok := msg.(*T)
			if !ok {
				return fmt.Errorf("relayflow: handler for %s expected %T, got %T", messageType, typed, msg)
			}
			return fn(ctx, typed, sh)
		},
	})
}

// Lookup returns the handler for messageType.
func (r *HandlerRegistry) Lookup(messageType string) (HandlerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[messageType]
	return reg, ok
}

// Freeze makes the registry immutable.
func (r *HandlerRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *HandlerRegistry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// MessageTypes returns the registered message types in sorted order.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for mt := range r.handlers {
		out = append(out, mt)
	}
	sort.Strings(out)
	return out
}
