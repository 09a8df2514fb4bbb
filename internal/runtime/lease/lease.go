// Package lease keeps a time-boxed lock alive while work is in progress.
//
// A Renewer owns one background goroutine per lease. The goroutine renews the
// lease on a fixed interval and gives up after a bounded number of failed
// attempts, at which point the lease is left to expire on the broker side.
// Stop joins the goroutine before it returns and then releases the lease when
// auto-release is enabled.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/logging"
)

const (
	// DefaultInterval is the pause between successful renewals.
	DefaultInterval = 19 * time.Second
)

// DefaultRetryDelays is the backoff applied after each failed renewal attempt.
var DefaultRetryDelays = []time.Duration{0, time.Second, 2 * time.Second}

// ErrNotRenewed is reported to the terminated hook when the last attempt returned false without an error.
var ErrNotRenewed = errors.New("relayflow: lease was not renewed")

// Lease is a renewable, releasable claim on a resource such as a message lock
// or a singleton lock.
type Lease interface {
	// Renew extends the lease. It returns false when the lease could not be
	// extended (for example because it was lost).
	Renew(ctx context.Context) (bool, error)
	// Release relinquishes the lease.
	Release(ctx context.Context) error
	// String identifies the lease in logs.
	String() string
}

// TerminatedHook is called once when the renewal loop gives up.
type TerminatedHook func(l Lease, lastErr error)

type options struct {
	interval    time.Duration
	retryDelays []time.Duration
	autoRelease bool
	logger      logging.ServiceLogger
	onTerminate TerminatedHook
	metrics     *Metrics
	after       func(time.Duration) <-chan time.Time
}

// Option customises a Renewer.
type Option func(*options)

// WithInterval overrides the pause between successful renewals.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithRetryDelays overrides the per-attempt backoff. The number of delays is
// the number of attempts made before the loop terminates.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(o *options) {
		if len(delays) > 0 {
			o.retryDelays = append([]time.Duration(nil), delays...)
		}
	}
}

// WithAutoRelease controls whether Stop releases the lease.
func WithAutoRelease(enabled bool) Option {
	return func(o *options) { o.autoRelease = enabled }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTerminatedHook registers a callback for silent loop termination.
func WithTerminatedHook(hook TerminatedHook) Option {
	return func(o *options) { o.onTerminate = hook }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.After, mainly for tests.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(o *options) {
		if after != nil {
			o.after = after
		}
	}
}

// Renewer renews a single lease in the background until stopped.
type Renewer struct {
	lease Lease
	opts  options

	releaseCtx context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	stopOnce   sync.Once
	mu         sync.Mutex
	terminated bool
	renewals   int
}

// Start launches the renewal loop for l. Cancelling ctx ends the loop but does
// not release the lease; only Stop releases.
func Start(ctx context.Context, l Lease, opts ...Option) *Renewer {
	o := options{
		interval:    DefaultInterval,
		retryDelays: DefaultRetryDelays,
		autoRelease: true,
		logger:      logging.NewNopServiceLogger(),
		after:       time.After,
	}
	for _, opt := range opts {
		opt(&o)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &Renewer{
		lease:      l,
		opts:       o,
		releaseCtx: context.WithoutCancel(ctx),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go r.run(loopCtx)
	return r
}

// Lease returns the lease being renewed.
func (r *Renewer) Lease() Lease { return r.lease }

// Done is closed once the renewal goroutine has exited.
func (r *Renewer) Done() <-chan struct{} { return r.done }

// Terminated reports whether the loop gave up after exhausting its attempts.
func (r *Renewer) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// Renewals returns the number of successful renew calls so far.
func (r *Renewer) Renewals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renewals
}

// Stop ends the loop, waits for the goroutine to exit and releases the lease
// when auto-release is enabled. Release failures are logged, never returned.
// Stop is safe to call more than once.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		<-r.done

		if !r.opts.autoRelease {
			return
		}
		r.opts.logger.Info("Releasing lock", logging.LogFields{"lease": r.lease.String()})
		if err := r.lease.Release(r.releaseCtx); err != nil {
			r.opts.logger.Error("Failed to release lock", err, logging.LogFields{"lease": r.lease.String()})
		}
	})
}

func (r *Renewer) run(ctx context.Context) {
	defer close(r.done)
	for {
		if !r.renew(ctx) {
			return
		}
		if !r.sleep(ctx, r.opts.interval) {
			return
		}
	}
}

// renew makes up to len(retryDelays) attempts. It returns false when the loop
// should end, either because ctx is done or every attempt failed.
func (r *Renewer) renew(ctx context.Context) bool {
	var lastErr error
	for attempt, delay := range r.opts.retryDelays {
		ok, err := r.lease.Renew(ctx)
		if ctx.Err() != nil {
			return false
		}
		if ok && err == nil {
			r.mu.Lock()
			r.renewals++
			r.mu.Unlock()
			r.opts.metrics.observeRenewal(true)
			return true
		}

		r.opts.metrics.observeRenewal(false)
		lastErr = err
		if lastErr == nil {
			lastErr = ErrNotRenewed
		}
		r.opts.logger.Debug("Lock renewal attempt failed", logging.LogFields{
			"lease":   r.lease.String(),
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
		if !r.sleep(ctx, delay) {
			return false
		}
	}

	r.mu.Lock()
	r.terminated = true
	r.mu.Unlock()
	r.opts.metrics.observeTermination()
	r.opts.logger.Debug("Lock renewal stopped", logging.LogFields{"lease": r.lease.String()})
	if r.opts.onTerminate != nil {
		r.opts.onTerminate(r.lease, lastErr)
	}
	return false
}

func (r *Renewer) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.opts.after(d):
		return true
	}
}
