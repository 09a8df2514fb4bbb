package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTransport(t *testing.T) (*Transport, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(WithClock(clock.Now)), clock
}

func newReceiver(t *testing.T, tr *Transport, ch transport.Channel) transport.Receiver {
	t.Helper()
	rcv, err := tr.Receiver(context.Background(), ch)
	require.NoError(t, err)
	require.NoError(t, rcv.(transport.Provisioner).Provision(context.Background()))
	return rcv
}

func TestRegister(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "memory", caps.Name)
	assert.True(t, caps.SupportsLease)
	assert.Equal(t, transport.MemoryCapabilities, Capabilities())
}

func TestFetchLocksMessagesUntilTimeout(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTestTransport(t)
	ch := transport.Channel{Name: "orders", LockTimeout: 10 * time.Second}
	rcv := newReceiver(t, tr, ch)

	_, err := tr.Send(ctx, "orders", "order.created", []byte(`{"id":1}`), metadata.New(metadata.AttachmentIDKey, "att-1"))
	require.NoError(t, err)

	batch, err := rcv.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	env := batch[0]
	assert.Equal(t, 1, env.DeliveryCount)
	assert.Equal(t, "order.created", env.MessageType)
	assert.Equal(t, "att-1", env.Properties.AttachmentID)
	assert.NotEmpty(t, env.RedeliveryToken)

	again, err := rcv.Fetch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "locked message must stay invisible")

	clock.Advance(11 * time.Second)
	again, err = rcv.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].DeliveryCount)
	assert.NotEqual(t, env.RedeliveryToken, again[0].RedeliveryToken)

	err = rcv.Acknowledge(ctx, env, transport.Acknowledgment{Outcome: transport.OutcomeComplete})
	assert.ErrorIs(t, err, ErrPopReceiptInvalid, "stale pop receipt cannot settle the message")
}

func TestFetchRespectsMax(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	rcv := newReceiver(t, tr, transport.Channel{Name: "q"})
	for i := 0; i < 5; i++ {
		_, err := tr.Send(ctx, "q", "t", nil, metadata.Properties{})
		require.NoError(t, err)
	}
	batch, err := rcv.Fetch(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
}

func TestAcknowledgeOutcomes(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	ch := transport.Channel{Name: "q"}
	rcv := newReceiver(t, tr, ch)

	for i := 0; i < 3; i++ {
		_, err := tr.Send(ctx, "q", "t", []byte{byte(i)}, metadata.Properties{})
		require.NoError(t, err)
	}
	batch, err := rcv.Fetch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	require.NoError(t, rcv.Acknowledge(ctx, batch[0], transport.Acknowledgment{Outcome: transport.OutcomeComplete}))
	require.NoError(t, rcv.Acknowledge(ctx, batch[1], transport.Acknowledgment{Outcome: transport.OutcomeRetry}))
	require.NoError(t, rcv.Acknowledge(ctx, batch[2], transport.Acknowledgment{Outcome: transport.OutcomeDeadLetter, Reason: "poison"}))

	pending, err := tr.PendingCount(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	redelivered, err := rcv.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, batch[1].ID, redelivered[0].ID)
	assert.Equal(t, 2, redelivered[0].DeliveryCount)

	dead, err := tr.ListDeadLetters(ctx, ch, 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Reason)
	assert.Equal(t, 1, dead[0].DeliveryCount)
	assert.Equal(t, []byte{2}, dead[0].Payload)
}

func TestLeaseExtendsVisibility(t *testing.T) {
	ctx := context.Background()
	tr, clock := newTestTransport(t)
	rcv := newReceiver(t, tr, transport.Channel{Name: "q", LockTimeout: 10 * time.Second})
	_, err := tr.Send(ctx, "q", "t", nil, metadata.Properties{})
	require.NoError(t, err)

	batch, err := rcv.Fetch(ctx, 1)
	require.NoError(t, err)
	l := rcv.(transport.LeaseProvider).Lease(batch[0], 10*time.Second)
	assert.Equal(t, "q/"+batch[0].ID, l.String())

	clock.Advance(8 * time.Second)
	ok, err := l.Renew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(8 * time.Second)
	again, err := rcv.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again, "renewed lock must still hide the message")

	require.NoError(t, l.Release(ctx))
	again, err = rcv.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)

	ok, err = l.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease lost once another delivery owns the message")
}

func TestDeadLetterReplayAndPurge(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	ch := transport.Channel{Name: "q"}
	rcv := newReceiver(t, tr, ch)

	for i := 0; i < 2; i++ {
		_, err := tr.Send(ctx, "q", "t", nil, metadata.New("k", "v"))
		require.NoError(t, err)
	}
	batch, err := rcv.Fetch(ctx, 2)
	require.NoError(t, err)
	for _, env := range batch {
		require.NoError(t, rcv.Acknowledge(ctx, env, transport.Acknowledgment{Outcome: transport.OutcomeDeadLetter}))
	}

	count, err := tr.DeadLetterCount(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	page, err := tr.ListDeadLetters(ctx, ch, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	replayed, err := tr.ReplayDeadLetters(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), replayed)

	batch, err = rcv.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, 1, batch[0].DeliveryCount)
	assert.Equal(t, "v", batch[0].Properties.Get("k"))

	require.NoError(t, rcv.Acknowledge(ctx, batch[0], transport.Acknowledgment{Outcome: transport.OutcomeDeadLetter}))
	purged, err := tr.PurgeDeadLetters(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestClosedTransportRejectsFetch(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	rcv := newReceiver(t, tr, transport.Channel{Name: "q"})
	require.NoError(t, tr.Close())

	_, err := rcv.Fetch(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Send(ctx, "q", "t", nil, metadata.Properties{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFetchUnknownQueue(t *testing.T) {
	tr, _ := newTestTransport(t)
	rcv, err := tr.Receiver(context.Background(), transport.Channel{Name: "missing"})
	require.NoError(t, err)
	_, err = rcv.Fetch(context.Background(), 1)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = tr.Receiver(context.Background(), transport.Channel{})
	assert.Error(t, err)
}
