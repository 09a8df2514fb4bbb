package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/relayflow/internal/runtime/config"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/lease"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/transport"
)

// ReceiverState is the lifecycle state of a channel receiver.
type ReceiverState int32

const (
	StateCreated ReceiverState = iota
	StateStarted
	StateRunning
	StateStopping
	StateStopped
)

func (s ReceiverState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ReceiverState(%d)", int32(s))
	}
}

// Receiver is a receive loop for one message type. Receivers are single-use:
// once stopped a new one must be constructed.
type Receiver interface {
	MessageType() string
	Channel() transport.Channel
	State() ReceiverState
	// Start provisions the channel and launches the receive loop. It returns
	// once the loop is running; the loop ends when ctx is cancelled or Stop is called.
	Start(ctx context.Context) error
	// Stop ends the loop and waits for it, bounded by ctx.
	Stop(ctx context.Context) error
	// Done is closed when the receiver reaches StateStopped.
	Done() <-chan struct{}
	Stats() ReceiverStatsSnapshot
}

// ReceiverOptions carries the runtime settings shared by every receiver of a service.
type ReceiverOptions struct {
	RenewInterval time.Duration
	GracePeriod   time.Duration
	PollInterval  time.Duration
	LeaseMetrics  *lease.Metrics
	DLQMetrics    *DLQMetrics
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	if o.RenewInterval <= 0 {
		o.RenewInterval = config.DefaultLockRenewInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = config.DefaultShutdownGracePeriod
	}
	if o.PollInterval <= 0 {
		o.PollInterval = config.DefaultPollInterval
	}
	return o
}

// ReceiverDeps is everything a ReceiverFactory needs to construct a receiver.
type ReceiverDeps struct {
	MessageType string
	Channel     transport.Channel
	Settings    config.ProcessingSettings
	Transport   transport.Transport
	Processor   *Processor
	Logger      loggingpkg.ServiceLogger
	Options     ReceiverOptions
}

// ChannelReceiver pulls envelopes from one channel and processes up to
// MaxConcurrentCalls of them at a time.
type ChannelReceiver struct {
	messageType string
	channel     transport.Channel
	settings    config.ProcessingSettings
	transport   transport.Transport
	processor   *Processor
	logger      loggingpkg.ServiceLogger
	opts        ReceiverOptions
	stats       *ReceiverStats

	state  atomic.Int32
	rcv    transport.Receiver
	cancel context.CancelFunc
	done   chan struct{}

	liveMu sync.Mutex
	live   map[*StateHandler]struct{}
}

// settleTimeout bounds how long a stopping receiver waits for handlers that
// ignored cancellation after their messages were abandoned.
const settleTimeout = time.Second

// NewChannelReceiver validates deps and returns a receiver in StateCreated.
func NewChannelReceiver(deps ReceiverDeps) (*ChannelReceiver, error) {
	if deps.MessageType == "" {
		return nil, errspkg.ErrMessageTypeRequired
	}
	if deps.Channel.Name == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if deps.Transport == nil {
		return nil, errspkg.ErrTransportRequired
	}
	if deps.Processor == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if err := deps.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", deps.MessageType, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	ch := deps.Channel
	if ch.LockTimeout <= 0 {
		ch.LockTimeout = deps.Settings.MessageLockTimeout
	}
	return &ChannelReceiver{
		messageType: deps.MessageType,
		channel:     ch,
		settings:    deps.Settings,
		transport:   deps.Transport,
		processor:   deps.Processor,
		logger: logger.With(loggingpkg.LogFields{
			"message_type": deps.MessageType,
			"channel":      ch.Name,
		}),
		opts:  deps.Options.withDefaults(),
		stats: newReceiverStats(),
		done:  make(chan struct{}),
		live:  make(map[*StateHandler]struct{}),
	}, nil
}

func (r *ChannelReceiver) MessageType() string          { return r.messageType }
func (r *ChannelReceiver) Channel() transport.Channel   { return r.channel }
func (r *ChannelReceiver) State() ReceiverState         { return ReceiverState(r.state.Load()) }
func (r *ChannelReceiver) Done() <-chan struct{}        { return r.done }
func (r *ChannelReceiver) Stats() ReceiverStatsSnapshot { return r.stats.Snapshot() }

func (r *ChannelReceiver) setState(s ReceiverState) {
	r.state.Store(int32(s))
	r.logger.Debug("Receiver state changed", loggingpkg.LogFields{"state": s.String()})
}

// Start acquires the transport resource and launches the receive loop.
// Provisioning failures are returned and leave the receiver in StateStarted.
func (r *ChannelReceiver) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateCreated), int32(StateStarted)) {
		return errspkg.ErrReceiverNotRestartable
	}

	rcv, err := r.transport.Receiver(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("open receiver for %s: %w", r.channel.Name, err)
	}
	if p, ok := rcv.(transport.Provisioner); ok {
		if err := p.Provision(ctx); err != nil {
			if closer, ok := rcv.(io.Closer); ok {
				_ = closer.Close()
			}
			return fmt.Errorf("provision %s: %w", r.channel.Name, err)
		}
	}
	r.rcv = rcv

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.setState(StateRunning)
	r.logger.Info("Receiver started", loggingpkg.LogFields{
		"max_concurrent_calls": r.settings.MaxConcurrentCalls,
		"prefetch_count":       r.settings.PrefetchCount,
	})
	go r.run(loopCtx)
	return nil
}

// Stop cancels the receive loop and waits until the receiver is stopped or ctx ends.
func (r *ChannelReceiver) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ChannelReceiver) run(ctx context.Context) {
	defer close(r.done)

	slots := make(chan struct{}, r.settings.MaxConcurrentCalls)
	// Handlers outlive the loop context by up to the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	var inFlight sync.WaitGroup

receive:
	for ctx.Err() == nil {
		batch, err := r.rcv.Fetch(ctx, r.settings.PrefetchCount)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("Failed to fetch messages", err, loggingpkg.LogFields{"error_class": string(errspkg.ClassTransient)})
			r.pause(ctx)
			continue
		}
		if len(batch) == 0 {
			r.pause(ctx)
			continue
		}

		// Locks are renewed from the moment of fetch, including while an
		// envelope waits for a free slot.
		pending := make([]*StateHandler, len(batch))
		for i, env := range batch {
			pending[i] = r.admit(workCtx, env)
		}
		for i, sh := range pending {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				r.abandonUndispatched(workCtx, pending[i:])
				break receive
			}
			inFlight.Add(1)
			go func(sh *StateHandler) {
				defer inFlight.Done()
				defer func() { <-slots }()
				r.handle(workCtx, sh)
			}(sh)
		}
	}

	r.setState(StateStopping)
	r.drain(&inFlight, cancelWork)

	if closer, ok := r.rcv.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.logger.Error("Failed to close transport receiver", err, nil)
		}
	}
	r.setState(StateStopped)
	r.logger.Info("Receiver stopped", nil)
}

func (r *ChannelReceiver) pause(ctx context.Context) {
	t := time.NewTimer(r.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// drain waits for in-flight handlers for up to the grace period. Past it,
// their context is cancelled and every message still unsettled is abandoned
// so it becomes redeliverable. Handlers that ignore cancellation are given
// settleTimeout more before the receiver stops without them.
func (r *ChannelReceiver) drain(inFlight *sync.WaitGroup, cancelWork context.CancelFunc) {
	finished := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(finished)
	}()

	grace := time.NewTimer(r.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-finished:
		return
	case <-grace.C:
	}
	r.logger.Info("Grace period elapsed, abandoning in-flight messages", loggingpkg.LogFields{
		"grace_period": r.opts.GracePeriod.String(),
	})
	cancelWork()
	r.abandonLive()

	settle := time.NewTimer(min(settleTimeout, r.opts.GracePeriod))
	defer settle.Stop()
	select {
	case <-finished:
	case <-settle.C:
		r.logger.Error("Handlers still running after shutdown, stopping without them", context.DeadlineExceeded, loggingpkg.LogFields{
			"in_flight": r.liveCount(),
		})
	}
}

// admit starts tracking env and, on lease-capable transports, renews its lock
// until an outcome is recorded.
func (r *ChannelReceiver) admit(ctx context.Context, env *transport.Envelope) *StateHandler {
	sh := NewStateHandler(env, r.channel, r.rcv, r.logger)
	sh.dlq = r.opts.DLQMetrics
	if lp, ok := r.rcv.(transport.LeaseProvider); ok {
		sh.renewer = lease.Start(ctx, lp.Lease(env, r.settings.MessageLockTimeout),
			lease.WithInterval(r.opts.RenewInterval),
			lease.WithAutoRelease(false),
			lease.WithLogger(r.logger),
			lease.WithMetrics(r.opts.LeaseMetrics),
			lease.WithTerminatedHook(func(l lease.Lease, lastErr error) {
				r.logger.Error("Lock renewal gave up, message may be redelivered while in progress", lastErr, loggingpkg.LogFields{
					"message_id":  env.ID,
					"lease":       l.String(),
					"error_class": string(errspkg.ClassTransient),
				})
			}),
		)
	}
	r.liveMu.Lock()
	r.live[sh] = struct{}{}
	r.liveMu.Unlock()
	return sh
}

// release ends tracking of sh and frees its renewer, scope and attachment.
func (r *ChannelReceiver) release(sh *StateHandler) {
	r.liveMu.Lock()
	delete(r.live, sh)
	r.liveMu.Unlock()
	if err := sh.Close(); err != nil {
		r.logger.Error("Failed to release message scope", err, loggingpkg.LogFields{"message_id": sh.Envelope().ID})
	}
}

func (r *ChannelReceiver) liveCount() int {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	return len(r.live)
}

// abandonLive abandons every tracked message without an outcome. A handler
// settling afterwards gets an InvalidOperationError instead of a second ack.
func (r *ChannelReceiver) abandonLive() {
	r.liveMu.Lock()
	live := make([]*StateHandler, 0, len(r.live))
	for sh := range r.live {
		live = append(live, sh)
	}
	r.liveMu.Unlock()

	for _, sh := range live {
		if sh.Outcome() != transport.OutcomeNone {
			continue
		}
		err := sh.Abandon(context.Background())
		var invalid *errspkg.InvalidOperationError
		if err != nil && !errors.As(err, &invalid) {
			r.logger.Error("Failed to abandon in-flight message", err, loggingpkg.LogFields{"message_id": sh.Envelope().ID})
		}
	}
}

func (r *ChannelReceiver) abandonUndispatched(ctx context.Context, pending []*StateHandler) {
	for _, sh := range pending {
		if err := sh.Abandon(ctx); err != nil {
			r.logger.Error("Failed to abandon undispatched message", err, loggingpkg.LogFields{"message_id": sh.Envelope().ID})
		}
		r.release(sh)
	}
}

func (r *ChannelReceiver) handle(ctx context.Context, sh *StateHandler) {
	start := time.Now()
	r.stats.onStart()
	env := sh.Envelope()

	var err error
	defer func() {
		r.release(sh)
		r.stats.onFinish(sh.Outcome(), err, time.Since(start))
	}()

	if env.DeliveryCount >= r.settings.DeadLetterDeliveryLimit {
		err = fmt.Errorf("%w: delivery count %d, limit %d", errspkg.ErrDeliveryLimitExceeded, env.DeliveryCount, r.settings.DeadLetterDeliveryLimit)
		r.logger.Error("Poison message: delivery limit reached", err, loggingpkg.LogFields{
			"message_id":  env.ID,
			"error_class": string(errspkg.ClassPoison),
		})
		if derr := sh.DeadLetter(ctx, err.Error()); derr != nil {
			r.logger.Error("Failed to dead-letter message", derr, loggingpkg.LogFields{"message_id": env.ID})
		}
		return
	}

	err = r.process(ctx, sh)
	r.resolve(ctx, sh, err)
}

func (r *ChannelReceiver) process(ctx context.Context, sh *StateHandler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errspkg.ErrPanicRecovered, rec)
		}
	}()
	return r.processor.Process(ctx, sh)
}

// resolve applies the receiver's fallback outcome when the pipeline did not
// record one.
func (r *ChannelReceiver) resolve(ctx context.Context, sh *StateHandler, err error) {
	env := sh.Envelope()
	fields := loggingpkg.LogFields{"message_id": env.ID, "delivery_count": env.DeliveryCount}

	if sh.Outcome() != transport.OutcomeNone {
		if err == nil {
			return
		}
		class := errspkg.Classify(err)
		switch {
		case ctx.Err() != nil:
			r.logger.Info("Handler returned after shutdown abandoned the message", withClass(fields, class))
		case errors.Is(err, errspkg.ErrOutcomeAlreadyRecorded):
			r.logger.Error("Handler tried to settle a message twice", err, withClass(fields, class))
		case class == errspkg.ClassTransient:
			r.logger.Error("Message processing failed after outcome was recorded", err, withClass(fields, class))
		default:
			// The processor logged it when it settled the message.
			r.logger.Debug("Message settled by the processor", withClass(fields, class))
		}
		return
	}

	var ackErr error
	switch {
	case err == nil:
		r.logger.Error("Pipeline returned without recording an outcome", errspkg.ErrOutcomeNotRecorded, withClass(fields, errspkg.ClassConfiguration))
		ackErr = sh.Abandon(ctx)
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		r.logger.Info("Message processing cancelled, abandoning", fields)
		ackErr = sh.Abandon(ctx)
	case errspkg.Classify(err) == errspkg.ClassConfiguration:
		r.logger.Error("Configuration defect while processing message", err, withClass(fields, errspkg.ClassConfiguration))
		ackErr = sh.Abandon(ctx)
	default:
		r.logger.Error("Message processing failed, returning for redelivery", err, withClass(fields, errspkg.ClassTransient))
		ackErr = sh.Retry(ctx)
	}
	if ackErr != nil {
		r.logger.Error("Failed to settle message", ackErr, fields)
	}
}

var _ Receiver = (*ChannelReceiver)(nil)
