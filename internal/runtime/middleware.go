package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/transport"
)

// CorrelationIDKey is the property holding the correlation identifier.
const CorrelationIDKey = "correlation_id"

// Next invokes the rest of the pipeline.
type Next func(ctx context.Context, sh *StateHandler) error

// Middleware wraps the rest of the pipeline. It may act before and after
// calling next, observe its error, or short-circuit by not calling it.
type Middleware func(ctx context.Context, sh *StateHandler, next Next) error

// MiddlewareBuilder constructs a middleware using the provided service instance.
// Returning a nil Middleware skips the registration.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be added to a Service pipeline.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// BuildPipeline composes mws around terminal. The first middleware is the
// outermost.
func BuildPipeline(terminal Next, mws ...Middleware) Next {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		if mw == nil {
			continue
		}
		h = func(ctx context.Context, sh *StateHandler) error {
			return mw(ctx, sh, next)
		}
	}
	return h
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		ConfiguredRetryMiddleware(),
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recoverer,
	}
}

func recoverer(ctx context.Context, sh *StateHandler, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errspkg.ErrPanicRecovered, r)
		}
	}()
	return next(ctx, sh)
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(ctx context.Context, sh *StateHandler, next Next) error {
			props := &sh.Envelope().Properties
			if props.Get(CorrelationIDKey) == "" {
				props.Set(CorrelationIDKey, idspkg.CreateULID())
			}
			return next(ctx, sh)
		},
	}
}

// LogMessagesMiddleware logs every processed message and its outcome.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessages(l), nil
		},
	}
}

func logMessages(logger loggingpkg.ServiceLogger) Middleware {
	return func(ctx context.Context, sh *StateHandler, next Next) error {
		env := sh.Envelope()
		logger.Debug("Processing message", loggingpkg.LogFields{
			"message_id":     env.ID,
			"message_type":   env.MessageType,
			"delivery_count": env.DeliveryCount,
			"properties":     env.Properties.ToMap(),
		})
		start := time.Now()
		err := next(ctx, sh)
		fields := loggingpkg.LogFields{
			"message_id":  env.ID,
			"outcome":     sh.Outcome().String(),
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			logger.Debug("Message processing failed", withClass(fields, errspkg.Classify(err)))
			return err
		}
		logger.Debug("Message processed", fields)
		return nil
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span and
// records success or failure on it.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (Middleware, error) {
			return tracing(otel.Tracer("github.com/drblury/relayflow")), nil
		},
	}
}

func tracing(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, sh *StateHandler, next Next) error {
		env := sh.Envelope()
		ctx, span := tracer.Start(ctx, "ProcessMessage "+env.MessageType, trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		span.SetAttributes(
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.destination.name", sh.Channel().Name),
			attribute.String("relayflow.message_type", env.MessageType),
			attribute.Int("messaging.message.delivery_count", env.DeliveryCount),
		)

		err := next(ctx, sh)
		span.SetAttributes(attribute.String("relayflow.outcome", sh.Outcome().String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}

// MetricsMiddleware records processing duration and outcome counts. It is
// skipped unless metrics are enabled in the service config.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			if s.Conf == nil || !s.Conf.MetricsEnabled {
				return nil, nil
			}
			m, err := newProcessingMetrics(s.metricsRegisterer())
			if err != nil {
				return nil, err
			}
			return m.middleware, nil
		},
	}
}

type processingMetrics struct {
	duration  *prometheus.HistogramVec
	processed *prometheus.CounterVec
}

func newProcessingMetrics(reg prometheus.Registerer) (*processingMetrics, error) {
	m := &processingMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayflow",
			Subsystem: "processing",
			Name:      "duration_seconds",
			Help:      "Time spent in the middleware pipeline per message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"message_type", "outcome"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayflow",
			Subsystem: "processing",
			Name:      "messages_total",
			Help:      "Messages processed by message type and outcome.",
		}, []string{"message_type", "outcome"}),
	}
	var err error
	if m.duration, err = registerOrReuse(reg, m.duration); err != nil {
		return nil, err
	}
	if m.processed, err = registerOrReuse(reg, m.processed); err != nil {
		return nil, err
	}
	return m, nil
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *processingMetrics) middleware(ctx context.Context, sh *StateHandler, next Next) error {
	start := time.Now()
	err := next(ctx, sh)
	outcome := sh.Outcome().String()
	if err != nil && sh.Outcome() == transport.OutcomeNone {
		outcome = "error"
	}
	mt := sh.Envelope().MessageType
	m.duration.WithLabelValues(mt, outcome).Observe(time.Since(start).Seconds())
	m.processed.WithLabelValues(mt, outcome).Inc()
	return err
}

// RetryMiddleware retries the rest of the pipeline in process with exponential
// backoff. Retries stop as soon as an outcome is recorded or the error is a
// poison or configuration error.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name:       "retry",
		Middleware: retrying(normalized),
	}
}

// ConfiguredRetryMiddleware builds the retry middleware from the service
// config. It is skipped when Config.RetryMaxRetries is zero.
func ConfiguredRetryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (Middleware, error) {
			if s.Conf == nil || s.Conf.RetryMaxRetries <= 0 {
				return nil, nil
			}
			return retrying(RetryMiddlewareConfig{
				MaxRetries:      s.Conf.RetryMaxRetries,
				InitialInterval: s.Conf.RetryInitialInterval,
				MaxInterval:     s.Conf.RetryMaxInterval,
			}.withDefaults()), nil
		},
	}
}

func retrying(cfg RetryMiddlewareConfig) Middleware {
	return func(ctx context.Context, sh *StateHandler, next Next) error {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = cfg.InitialInterval
		policy.MaxInterval = cfg.MaxInterval

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := next(ctx, sh)
			if err == nil {
				return struct{}{}, nil
			}
			if sh.Outcome() != transport.OutcomeNone || !shouldRetry(cfg, err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
		)
		return err
	}
}

func shouldRetry(cfg RetryMiddlewareConfig, err error) bool {
	switch errspkg.Classify(err) {
	case errspkg.ClassPoison, errspkg.ClassConfiguration, errspkg.ClassFatal:
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return true
}

// RegisterMiddleware appends the supplied middleware to the service pipeline.
// It fails once the service has started.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}
	s.middlewares = append(s.middlewares, namedMiddleware{name: cfg.Name, mw: mw})
	return nil
}

// MiddlewareNames returns the registered middleware names in pipeline order.
func (s *Service) MiddlewareNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.middlewares))
	for _, m := range s.middlewares {
		names = append(names, m.name)
	}
	return names
}

type namedMiddleware struct {
	name string
	mw   Middleware
}
