package runtime

import (
	"context"
	"sync"

	"github.com/drblury/relayflow/internal/runtime/serialization"
)

// Scope is a per-message dependency scope released when processing ends.
type Scope interface {
	Release() error
}

// ScopeProvider opens a fresh Scope for each envelope.
type ScopeProvider interface {
	NewScope(ctx context.Context) (Scope, error)
}

// ScopeProviderFunc adapts a function to ScopeProvider.
type ScopeProviderFunc func(ctx context.Context) (Scope, error)

func (f ScopeProviderFunc) NewScope(ctx context.Context) (Scope, error) { return f(ctx) }

// ValueScope is a simple Scope holding per-message values and release callbacks.
// Callbacks run in reverse registration order.
type ValueScope struct {
	mu       sync.Mutex
	values   map[any]any
	releases []func() error
}

// NewValueScopeProvider returns a provider that opens an empty ValueScope per message.
func NewValueScopeProvider() ScopeProvider {
	return ScopeProviderFunc(func(context.Context) (Scope, error) {
		return &ValueScope{values: make(map[any]any)}, nil
	})
}

func (s *ValueScope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[any]any)
	}
	s.values[key] = value
}

func (s *ValueScope) Get(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// OnRelease registers fn to run when the scope is released.
func (s *ValueScope) OnRelease(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, fn)
}

func (s *ValueScope) Release() error {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.values = nil
	s.mu.Unlock()

	var firstErr error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AttachmentProvider downloads out-of-band attachments referenced by envelopes.
type AttachmentProvider interface {
	GetAttachment(ctx context.Context, channel, id string) (*serialization.Attachment, error)
}

// AttachmentProviderFunc adapts a function to AttachmentProvider.
type AttachmentProviderFunc func(ctx context.Context, channel, id string) (*serialization.Attachment, error)

func (f AttachmentProviderFunc) GetAttachment(ctx context.Context, channel, id string) (*serialization.Attachment, error) {
	return f(ctx, channel, id)
}
