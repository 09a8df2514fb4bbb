// Package memory provides an in-process queue transport with visibility
// timeouts, pop receipts and an inspectable dead-letter queue. It behaves like
// a storage-queue broker and is intended for tests and local development.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"

	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/lease"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// DefaultLockTimeout applies when a channel does not set LockTimeout.
const DefaultLockTimeout = 30 * time.Second

var (
	ErrClosed            = errors.New("relayflow: memory transport is closed")
	ErrQueueNotFound     = errors.New("relayflow: memory queue not found")
	ErrPopReceiptInvalid = errors.New("relayflow: pop receipt does not match the current delivery")
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Build creates a new memory transport. Configuration is ignored.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(WithLogger(logger)), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock replaces time.Now, mainly for visibility timeout tests.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

func WithLogger(logger watermill.LoggerAdapter) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport holds every queue in process memory.
type Transport struct {
	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	now    func() time.Time
	logger watermill.LoggerAdapter
}

type queue struct {
	items []*item
	dead  []*transport.DeadLetter
}

type item struct {
	env        transport.Envelope
	visibleAt  time.Time
	popReceipt string
}

// New creates an empty memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		queues: make(map[string]*queue),
		now:    time.Now,
		logger: watermill.NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Capabilities() transport.Capabilities { return transport.MemoryCapabilities }

// Close rejects further fetches. Queued messages are kept so a test can inspect them.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Send enqueues a payload on channel, creating the queue when needed.
func (t *Transport) Send(ctx context.Context, channel, messageType string, payload []byte, props metadata.Properties) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}

	now := t.now()
	id := ids.CreateULID()
	q := t.queueLocked(channel)
	q.items = append(q.items, &item{
		env: transport.Envelope{
			ID:          id,
			MessageType: messageType,
			Payload:     append([]byte(nil), payload...),
			Properties:  props.Clone(),
			EnqueuedAt:  now,
		},
		visibleAt: now,
	})
	t.logger.Trace("Message enqueued", watermill.LogFields{"queue": channel, "message_id": id})
	return id, nil
}

// Receiver returns a receiver bound to ch.
func (t *Transport) Receiver(ctx context.Context, ch transport.Channel) (transport.Receiver, error) {
	if ch.Name == "" {
		return nil, errors.New("relayflow: channel name is required")
	}
	lockTimeout := ch.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &receiver{t: t, ch: ch, lockTimeout: lockTimeout}, nil
}

// PendingCount returns the number of messages not yet settled, visible or locked.
func (t *Transport) PendingCount(ctx context.Context, ch transport.Channel) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[ch.Name]
	if !ok {
		return 0, nil
	}
	return int64(len(q.items)), nil
}

func (t *Transport) DeadLetterCount(ctx context.Context, ch transport.Channel) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[ch.Name]
	if !ok {
		return 0, nil
	}
	return int64(len(q.dead)), nil
}

// ListDeadLetters returns a page of dead letters, oldest first.
func (t *Transport) ListDeadLetters(ctx context.Context, ch transport.Channel, limit, offset int) ([]transport.DeadLetter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[ch.Name]
	if !ok || offset >= len(q.dead) {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	end := len(q.dead)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]transport.DeadLetter, 0, end-offset)
	for _, dl := range q.dead[offset:end] {
		out = append(out, *dl)
	}
	return out, nil
}

// ReplayDeadLetters moves every dead letter back onto the queue with a fresh delivery count.
func (t *Transport) ReplayDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[ch.Name]
	if !ok {
		return 0, nil
	}
	now := t.now()
	for _, dl := range q.dead {
		q.items = append(q.items, &item{
			env: transport.Envelope{
				ID:          dl.ID,
				MessageType: dl.MessageType,
				Payload:     dl.Payload,
				Properties:  metadata.FromMap(dl.Properties),
				EnqueuedAt:  now,
			},
			visibleAt: now,
		})
	}
	n := int64(len(q.dead))
	q.dead = nil
	return n, nil
}

func (t *Transport) PurgeDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[ch.Name]
	if !ok {
		return 0, nil
	}
	n := int64(len(q.dead))
	q.dead = nil
	return n, nil
}

func (t *Transport) queueLocked(name string) *queue {
	q, ok := t.queues[name]
	if !ok {
		q = &queue{}
		t.queues[name] = q
	}
	return q
}

func (t *Transport) findLocked(channel, id string) (*queue, int, error) {
	q, ok := t.queues[channel]
	if !ok {
		return nil, -1, ErrQueueNotFound
	}
	for i, it := range q.items {
		if it.env.ID == id {
			return q, i, nil
		}
	}
	return q, -1, ErrPopReceiptInvalid
}

type receiver struct {
	t           *Transport
	ch          transport.Channel
	lockTimeout time.Duration
}

// Provision creates the queue so that Fetch on an empty channel succeeds.
func (r *receiver) Provision(ctx context.Context) error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if r.t.closed {
		return ErrClosed
	}
	r.t.queueLocked(r.ch.Name)
	return nil
}

// Fetch locks up to max visible messages for the channel's lock timeout.
func (r *receiver) Fetch(ctx context.Context, max int) ([]*transport.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	if r.t.closed {
		return nil, ErrClosed
	}
	q, ok := r.t.queues[r.ch.Name]
	if !ok {
		return nil, ErrQueueNotFound
	}

	now := r.t.now()
	var out []*transport.Envelope
	for _, it := range q.items {
		if len(out) >= max {
			break
		}
		if it.visibleAt.After(now) {
			continue
		}
		it.visibleAt = now.Add(r.lockTimeout)
		it.popReceipt = uuid.NewString()
		it.env.DeliveryCount++
		it.env.RedeliveryToken = it.popReceipt

		env := it.env
		env.Properties = it.env.Properties.Clone()
		out = append(out, &env)
	}
	return out, nil
}

// Acknowledge settles env. The pop receipt must match the current delivery;
// a mismatch means the lock expired and another receiver owns the message.
func (r *receiver) Acknowledge(ctx context.Context, env *transport.Envelope, ack transport.Acknowledgment) error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()

	q, idx, err := r.t.findLocked(r.ch.Name, env.ID)
	if err != nil {
		return err
	}
	it := q.items[idx]
	if it.popReceipt != env.RedeliveryToken {
		return ErrPopReceiptInvalid
	}

	switch ack.Outcome {
	case transport.OutcomeComplete:
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	case transport.OutcomeDeadLetter:
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.dead = append(q.dead, &transport.DeadLetter{
			ID:            it.env.ID,
			MessageType:   it.env.MessageType,
			Channel:       r.ch.Name,
			Payload:       it.env.Payload,
			Properties:    it.env.Properties.ToMap(),
			Reason:        ack.Reason,
			DeliveryCount: it.env.DeliveryCount,
			FailedAt:      r.t.now(),
		})
	default:
		it.visibleAt = r.t.now()
		it.popReceipt = ""
	}
	return nil
}

// Lease returns a lease that extends env's visibility timeout while it still
// holds the current pop receipt.
func (r *receiver) Lease(env *transport.Envelope, timeout time.Duration) lease.Lease {
	if timeout <= 0 {
		timeout = r.lockTimeout
	}
	return &messageLease{r: r, id: env.ID, token: env.RedeliveryToken, timeout: timeout}
}

type messageLease struct {
	r       *receiver
	id      string
	token   string
	timeout time.Duration
}

func (l *messageLease) Renew(ctx context.Context) (bool, error) {
	t := l.r.t
	t.mu.Lock()
	defer t.mu.Unlock()
	q, idx, err := t.findLocked(l.r.ch.Name, l.id)
	if err != nil {
		return false, nil
	}
	it := q.items[idx]
	if it.popReceipt != l.token {
		return false, nil
	}
	it.visibleAt = t.now().Add(l.timeout)
	return true, nil
}

// Release makes the message visible again if this lease still owns it.
func (l *messageLease) Release(ctx context.Context) error {
	t := l.r.t
	t.mu.Lock()
	defer t.mu.Unlock()
	q, idx, err := t.findLocked(l.r.ch.Name, l.id)
	if err != nil {
		return nil
	}
	if it := q.items[idx]; it.popReceipt == l.token {
		it.visibleAt = t.now()
		it.popReceipt = ""
	}
	return nil
}

func (l *messageLease) String() string {
	return l.r.ch.Name + "/" + l.id
}

var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.DLQManager        = (*Transport)(nil)
	_ transport.DLQLister         = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.Provisioner       = (*receiver)(nil)
	_ transport.LeaseProvider     = (*receiver)(nil)
)
