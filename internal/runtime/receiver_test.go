package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/config"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/transport"
)

type orderHandler func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error

func newTestReceiver(t *testing.T, rcv transport.Receiver, settings config.ProcessingSettings, handle orderHandler, mws ...Middleware) *ChannelReceiver {
	t.Helper()
	handlers := NewHandlerRegistry()
	require.NoError(t, RegisterHandler(handlers, "order.placed", handle))
	p, err := NewProcessor(ProcessorOptions{Handlers: handlers}, mws...)
	require.NoError(t, err)

	r, err := NewChannelReceiver(ReceiverDeps{
		MessageType: "order.placed",
		Channel:     transport.Channel{Name: "orders"},
		Settings:    settings,
		Transport:   &stubTransport{rcv: rcv},
		Processor:   p,
		Options:     fastOptions(),
	})
	require.NoError(t, err)
	return r
}

func waitStopped(t *testing.T, r Receiver) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
	assert.Equal(t, StateStopped, r.State())
}

func TestNewChannelReceiverValidates(t *testing.T) {
	p, err := NewProcessor(ProcessorOptions{Handlers: NewHandlerRegistry()})
	require.NoError(t, err)
	valid := ReceiverDeps{
		MessageType: "order.placed",
		Channel:     transport.Channel{Name: "orders"},
		Settings:    testSettings(),
		Transport:   &stubTransport{},
		Processor:   p,
	}

	r, err := NewChannelReceiver(valid)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State())
	assert.Equal(t, 30*time.Second, r.Channel().LockTimeout)

	tests := []struct {
		name   string
		mutate func(*ReceiverDeps)
		want   error
	}{
		{"message type", func(d *ReceiverDeps) { d.MessageType = "" }, errspkg.ErrMessageTypeRequired},
		{"channel", func(d *ReceiverDeps) { d.Channel.Name = "" }, errspkg.ErrChannelRequired},
		{"transport", func(d *ReceiverDeps) { d.Transport = nil }, errspkg.ErrTransportRequired},
		{"processor", func(d *ReceiverDeps) { d.Processor = nil }, errspkg.ErrHandlerRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := valid
			tt.mutate(&deps)
			_, err := NewChannelReceiver(deps)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	deps := valid
	deps.Settings.PrefetchCount = 0
	_, err = NewChannelReceiver(deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefetch count")
}

func TestReceiverProcessesBatch(t *testing.T) {
	rcv := &recordingReceiver{}
	rcv.push(
		newEnvelope("m-1", "order.placed", `{"order_id":"1"}`),
		newEnvelope("m-2", "order.placed", `{"order_id":"2"}`),
		newEnvelope("m-3", "order.placed", `{"order_id":"3"}`),
	)
	var handled atomic.Int32
	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateRunning, r.State())
	assert.True(t, rcv.provisioned)

	require.Eventually(t, func() bool { return len(rcv.Acks()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitStopped(t, r)

	assert.EqualValues(t, 3, handled.Load())
	for id, outcome := range rcv.outcomes() {
		assert.Equal(t, transport.OutcomeComplete, outcome, id)
	}
	assert.True(t, rcv.isClosed())

	stats := r.Stats()
	assert.EqualValues(t, 3, stats.MessagesReceived)
	assert.EqualValues(t, 3, stats.Completed)
	assert.Zero(t, stats.InFlight)
}

func TestReceiverDeadLettersAtDeliveryLimit(t *testing.T) {
	rcv := &recordingReceiver{}
	atLimit := newEnvelope("m-limit", "order.placed", `{}`)
	atLimit.DeliveryCount = 5
	belowLimit := newEnvelope("m-ok", "order.placed", `{}`)
	belowLimit.DeliveryCount = 4
	rcv.push(atLimit, belowLimit)

	var handled []string
	r := newTestReceiver(t, rcv, config.ProcessingSettings{
		MaxConcurrentCalls:      1,
		PrefetchCount:           2,
		MessageLockTimeout:      time.Minute,
		DeadLetterDeliveryLimit: 5,
	}, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		handled = append(handled, sh.Envelope().ID)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return len(rcv.Acks()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitStopped(t, r)

	assert.Equal(t, []string{"m-ok"}, handled)
	assert.Equal(t, map[string]transport.Outcome{
		"m-limit": transport.OutcomeDeadLetter,
		"m-ok":    transport.OutcomeComplete,
	}, rcv.outcomes())
	for _, a := range rcv.Acks() {
		if a.id == "m-limit" {
			assert.Contains(t, a.ack.Reason, "delivery count 5")
		}
	}
	assert.EqualValues(t, 1, r.Stats().Errors[string(errspkg.ClassPoison)])
}

func TestReceiverBoundsConcurrency(t *testing.T) {
	rcv := &recordingReceiver{}
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4", "m-5", "m-6"} {
		rcv.push(newEnvelope(id, "order.placed", `{}`))
	}

	var current, peak atomic.Int32
	release := make(chan struct{})
	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool { return current.Load() == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, current.Load())

	close(release)
	require.Eventually(t, func() bool { return len(rcv.Acks()) == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, peak.Load())
	assert.EqualValues(t, 2, r.Stats().MaxInFlight)

	cancel()
	waitStopped(t, r)
}

func TestReceiverFallbackOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		handle   orderHandler
		mws      []Middleware
		recorded func(ReceiverStatsSnapshot) uint64
	}{
		{
			name:     "handler error retries",
			handle:   func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return errBoom },
			recorded: func(s ReceiverStatsSnapshot) uint64 { return s.Retried },
		},
		{
			name:     "panic retries",
			handle:   func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { panic("boom") },
			recorded: func(s ReceiverStatsSnapshot) uint64 { return s.Retried },
		},
		{
			name:   "swallowed pipeline abandons",
			handle: func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return nil },
			mws: []Middleware{func(ctx context.Context, sh *StateHandler, next Next) error {
				return nil
			}},
			recorded: func(s ReceiverStatsSnapshot) uint64 { return s.Abandoned },
		},
		{
			name: "configuration error abandons",
			handle: func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
				return errspkg.ErrAttachmentProviderMissing
			},
			recorded: func(s ReceiverStatsSnapshot) uint64 { return s.Abandoned },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rcv := &recordingReceiver{}
			rcv.push(newEnvelope("m-1", "order.placed", `{}`))
			r := newTestReceiver(t, rcv, testSettings(), tt.handle, tt.mws...)

			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, r.Start(ctx))
			require.Eventually(t, func() bool { return len(rcv.Acks()) == 1 }, 2*time.Second, 5*time.Millisecond)
			cancel()
			waitStopped(t, r)

			assert.Equal(t, transport.OutcomeRetry, rcv.Acks()[0].ack.Outcome)
			assert.EqualValues(t, 1, tt.recorded(r.Stats()))
		})
	}
}

func TestReceiverShutdownGracePeriod(t *testing.T) {
	rcv := &recordingReceiver{}
	rcv.push(
		newEnvelope("m-1", "order.placed", `{}`),
		newEnvelope("m-2", "order.placed", `{}`),
		newEnvelope("m-3", "order.placed", `{}`),
	)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	settings := testSettings()
	settings.MaxConcurrentCalls = 1
	r := newTestReceiver(t, rcv, settings, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	r.opts.GracePeriod = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	<-started

	begin := time.Now()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, r.Stop(stopCtx))
	cancel()

	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)
	assert.Equal(t, StateStopped, r.State())
	assert.True(t, sawCancel.Load())

	outcomes := rcv.outcomes()
	require.Len(t, outcomes, 3)
	for id, outcome := range outcomes {
		assert.Equal(t, transport.OutcomeRetry, outcome, id)
	}
}

func TestReceiverGracefulDrain(t *testing.T) {
	rcv := &recordingReceiver{}
	rcv.push(newEnvelope("m-1", "order.placed", `{}`))

	started := make(chan struct{})
	var finished atomic.Bool
	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	<-started
	cancel()
	waitStopped(t, r)

	assert.True(t, finished.Load(), "in-flight handler must finish within the grace period")
	assert.Equal(t, map[string]transport.Outcome{"m-1": transport.OutcomeComplete}, rcv.outcomes())
}

func TestReceiverStopsWhenHandlerIgnoresCancellation(t *testing.T) {
	rcv := &recordingReceiver{}
	rcv.push(newEnvelope("m-1", "order.placed", `{}`))

	started := make(chan struct{})
	release := make(chan struct{})
	lateErr := make(chan error, 1)
	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		close(started)
		<-release
		err := sh.Complete(ctx)
		lateErr <- err
		return err
	})
	r.opts.GracePeriod = 50 * time.Millisecond
	log := newRecordingLogger()
	r.logger = log

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	<-started

	begin := time.Now()
	cancel()
	waitStopped(t, r)
	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, rcv.isClosed())
	assert.Equal(t, map[string]transport.Outcome{"m-1": transport.OutcomeRetry}, rcv.outcomes())
	_, logged := log.find("Handlers still running after shutdown, stopping without them")
	assert.True(t, logged)

	close(release)
	var invalid *errspkg.InvalidOperationError
	require.ErrorAs(t, <-lateErr, &invalid)
	assert.Equal(t, "abandon", invalid.Recorded)
	assert.Len(t, rcv.Acks(), 1, "a late outcome must not reach the transport")
}

func TestReceiverLogsSecondOutcome(t *testing.T) {
	rcv := &recordingReceiver{}
	rcv.push(newEnvelope("m-1", "order.placed", `{}`))

	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		require.NoError(t, sh.Complete(ctx))
		return sh.Complete(ctx)
	})
	log := newRecordingLogger()
	r.logger = log

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool {
		_, ok := log.find("Handler tried to settle a message twice")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitStopped(t, r)

	entry, _ := log.find("Handler tried to settle a message twice")
	assert.Equal(t, "error", entry.level)
	assert.ErrorIs(t, entry.err, errspkg.ErrOutcomeAlreadyRecorded)
	assert.Equal(t, string(errspkg.ClassConfiguration), entry.fields["error_class"])
	assert.Equal(t, "m-1", entry.fields["message_id"])
	assert.Len(t, rcv.Acks(), 1)
}

func TestReceiverRenewsLocksWhileWaitingForSlot(t *testing.T) {
	rcv := &leasingReceiver{recordingReceiver: &recordingReceiver{}}
	rcv.push(
		newEnvelope("m-1", "order.placed", `{}`),
		newEnvelope("m-2", "order.placed", `{}`),
	)

	release := make(chan struct{})
	settings := testSettings()
	settings.MaxConcurrentCalls = 1
	settings.PrefetchCount = 2
	r := newTestReceiver(t, rcv, settings, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		if sh.Envelope().ID == "m-1" {
			<-release
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	require.Eventually(t, func() bool { return len(rcv.Leases()) == 2 }, 2*time.Second, time.Millisecond)
	assert.Empty(t, rcv.Acks(), "m-2 holds a lease while m-1 occupies the only slot")

	close(release)
	require.Eventually(t, func() bool { return len(rcv.Acks()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitStopped(t, r)
}

func TestReceiverIsNotRestartable(t *testing.T) {
	r := newTestReceiver(t, &recordingReceiver{}, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	assert.ErrorIs(t, r.Start(ctx), errspkg.ErrReceiverNotRestartable)

	cancel()
	waitStopped(t, r)
	assert.ErrorIs(t, r.Start(context.Background()), errspkg.ErrReceiverNotRestartable)
}

func TestReceiverProvisioningFailure(t *testing.T) {
	rcv := &recordingReceiver{provisionErr: errBoom}
	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return nil })

	err := r.Start(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "provision orders")
	assert.Equal(t, StateStarted, r.State())
	assert.True(t, rcv.isClosed(), "receiver opened for a failed provision must be closed")
	assert.NoError(t, r.Stop(context.Background()))
}

func TestReceiverOpenFailure(t *testing.T) {
	p, err := NewProcessor(ProcessorOptions{Handlers: NewHandlerRegistry()})
	require.NoError(t, err)
	r, err := NewChannelReceiver(ReceiverDeps{
		MessageType: "order.placed",
		Channel:     transport.Channel{Name: "orders"},
		Settings:    testSettings(),
		Transport:   &stubTransport{openErr: errBoom},
		Processor:   p,
	})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Start(context.Background()), errBoom)
}

func TestReceiverRenewsMessageLock(t *testing.T) {
	rcv := &leasingReceiver{recordingReceiver: &recordingReceiver{}}
	rcv.push(newEnvelope("m-1", "order.placed", `{}`))

	r := newTestReceiver(t, rcv, testSettings(), func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if leases := rcv.Leases(); len(leases) == 1 {
				if renewals, _ := leases[0].counts(); renewals > 0 {
					break
				}
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	require.Eventually(t, func() bool { return len(rcv.Acks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	waitStopped(t, r)

	leases := rcv.Leases()
	require.Len(t, leases, 1)
	renewals, releases := leases[0].counts()
	assert.GreaterOrEqual(t, renewals, 1)
	assert.Zero(t, releases, "message locks are settled by the outcome, not released")
}

func TestReceiverStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "ReceiverState(9)", ReceiverState(9).String())
}
