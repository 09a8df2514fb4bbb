package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/transport"
)

type callTrace struct {
	mu    sync.Mutex
	steps []string
}

func (c *callTrace) add(step string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
}

func (c *callTrace) Steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.steps...)
}

func tracingMiddleware(trace *callTrace, name string) Middleware {
	return func(ctx context.Context, sh *StateHandler, next Next) error {
		trace.add(name + "-before")
		err := next(ctx, sh)
		trace.add(name + "-after")
		return err
	}
}

// runPipeline registers handle for order.placed and runs one envelope through mws.
func runPipeline(t *testing.T, handle func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error, mws ...Middleware) (*StateHandler, *recordingReceiver, error) {
	t.Helper()
	handlers := NewHandlerRegistry()
	require.NoError(t, RegisterHandler(handlers, "order.placed", handle))
	p, err := NewProcessor(ProcessorOptions{Handlers: handlers}, mws...)
	require.NoError(t, err)

	acker := &recordingReceiver{}
	sh := NewStateHandler(newEnvelope("m-1", "order.placed", `{"order_id":"o-1","amount":3}`), transport.Channel{Name: "orders"}, acker, nil)
	return sh, acker, p.Process(context.Background(), sh)
}

func TestPipelineOrder(t *testing.T) {
	trace := &callTrace{}
	_, _, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		trace.add("handler")
		return nil
	}, tracingMiddleware(trace, "A"), tracingMiddleware(trace, "B"))

	require.NoError(t, err)
	assert.Equal(t, []string{"A-before", "B-before", "handler", "B-after", "A-after"}, trace.Steps())
}

func TestPipelineShortCircuit(t *testing.T) {
	called := false
	reject := func(ctx context.Context, sh *StateHandler, next Next) error {
		return sh.DeadLetter(ctx, "rejected by filter")
	}
	sh, acker, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		called = true
		return nil
	}, reject)

	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, transport.OutcomeDeadLetter, sh.Outcome())
	assert.Equal(t, map[string]transport.Outcome{"m-1": transport.OutcomeDeadLetter}, acker.outcomes())
}

func TestBuildPipelineSkipsNil(t *testing.T) {
	trace := &callTrace{}
	next := BuildPipeline(func(ctx context.Context, sh *StateHandler) error {
		trace.add("terminal")
		return nil
	}, nil, tracingMiddleware(trace, "A"), nil)

	require.NoError(t, next(context.Background(), nil))
	assert.Equal(t, []string{"A-before", "terminal", "A-after"}, trace.Steps())
}

func TestRecovererMiddleware(t *testing.T) {
	sh, acker, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		panic("handler exploded")
	}, RecovererMiddleware().Middleware)

	require.ErrorIs(t, err, errspkg.ErrPanicRecovered)
	assert.Contains(t, err.Error(), "handler exploded")
	assert.Equal(t, transport.OutcomeNone, sh.Outcome())
	assert.Empty(t, acker.Acks())
}

func TestCorrelationIDMiddleware(t *testing.T) {
	mw := CorrelationIDMiddleware().Middleware
	terminal := func(ctx context.Context, sh *StateHandler) error { return nil }

	sh := NewStateHandler(newEnvelope("m-1", "order.placed", `{}`), transport.Channel{Name: "orders"}, &recordingReceiver{}, nil)
	require.NoError(t, mw(context.Background(), sh, terminal))
	assigned := sh.Envelope().Properties.Get(CorrelationIDKey)
	assert.Len(t, assigned, 26)

	require.NoError(t, mw(context.Background(), sh, terminal))
	assert.Equal(t, assigned, sh.Envelope().Properties.Get(CorrelationIDKey), "existing id must be preserved")
}

func TestTracingMiddlewarePassesThrough(t *testing.T) {
	mw := tracing(noop.NewTracerProvider().Tracer("test"))

	sh, _, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		return errBoom
	}, mw)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, transport.OutcomeNone, sh.Outcome())
}

func TestProcessingMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := newProcessingMetrics(reg)
	require.NoError(t, err)

	_, _, err = runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return nil }, m.middleware)
	require.NoError(t, err)
	_, _, err = runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return errBoom }, m.middleware)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues("order.placed", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.processed.WithLabelValues("order.placed", "error")))

	again, err := newProcessingMetrics(reg)
	require.NoError(t, err)
	assert.Same(t, m.processed, again.processed)
}

func TestRetryMiddlewareRecovers(t *testing.T) {
	attempts := 0
	mw := RetryMiddleware(RetryMiddlewareConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}).Middleware

	sh, acker, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		attempts++
		if attempts < 3 {
			return errBoom
		}
		return nil
	}, mw)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, transport.OutcomeComplete, sh.Outcome())
	assert.Len(t, acker.Acks(), 1)
}

func TestRetryMiddlewareGivesUp(t *testing.T) {
	attempts := 0
	mw := RetryMiddleware(RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}).Middleware

	_, _, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		attempts++
		return errBoom
	}, mw)

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddlewareStopsAfterOutcome(t *testing.T) {
	attempts := 0
	mw := RetryMiddleware(RetryMiddlewareConfig{InitialInterval: time.Millisecond}).Middleware

	sh, _, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		attempts++
		if err := sh.Retry(ctx); err != nil {
			return err
		}
		return errBoom
	}, mw)

	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, transport.OutcomeRetry, sh.Outcome())
}

func TestRetryMiddlewareSkipsPoisonAndRetryIf(t *testing.T) {
	attempts := 0
	mw := RetryMiddleware(RetryMiddlewareConfig{InitialInterval: time.Millisecond}).Middleware
	_, _, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		attempts++
		return &errspkg.SerializationError{MessageType: "order.placed", Err: errBoom}
	}, mw)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	mw = RetryMiddleware(RetryMiddlewareConfig{
		InitialInterval: time.Millisecond,
		RetryIf:         func(err error) bool { return false },
	}).Middleware
	_, _, err = runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error {
		attempts++
		return errBoom
	}, mw)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, attempts)
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.MaxInterval)
}

func TestJobHooksMiddleware(t *testing.T) {
	var (
		started, done JobContext
		failed        []error
	)
	hooks := JobHooks{
		OnJobStart: func(ctx JobContext) { started = ctx },
		OnJobDone:  func(ctx JobContext) { done = ctx },
	}.Merge(AlertingHooks(func(ctx JobContext, err error) { failed = append(failed, err) }))

	mw := JobHooksMiddleware(hooks).Middleware
	_, _, err := runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return nil }, mw)
	require.NoError(t, err)

	assert.Equal(t, "order.placed", started.MessageType)
	assert.Equal(t, "orders", started.Channel)
	assert.Equal(t, "m-1", started.MessageID)
	assert.Equal(t, 1, started.DeliveryCount)
	assert.Equal(t, transport.OutcomeComplete, done.Outcome)
	assert.Empty(t, failed)

	_, _, err = runPipeline(t, func(ctx context.Context, msg *orderPlaced, sh *StateHandler) error { return errBoom }, mw)
	require.Error(t, err)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], errBoom)
}

func TestMetricsHooksAndMergeOrder(t *testing.T) {
	var order []string
	first := MetricsHooks(func(mt, ch string) { order = append(order, "first:"+mt) }, nil, nil)
	second := MetricsHooks(func(mt, ch string) { order = append(order, "second:"+ch) }, nil, nil)

	merged := first.Merge(second)
	merged.OnJobStart(JobContext{MessageType: "order.placed", Channel: "orders"})
	merged.OnJobDone(JobContext{})
	merged.OnJobError(JobContext{}, errBoom)

	assert.Equal(t, []string{"first:order.placed", "second:orders"}, order)
}
