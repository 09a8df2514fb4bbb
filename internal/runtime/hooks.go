package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// MessageType is the type identifier the handler was resolved by.
	MessageType string
	// Channel is the queue or topic the message was received from.
	Channel string
	// MessageID is the transport identifier of the message.
	MessageID string
	// Properties contains the envelope property bag.
	Properties metadata.Properties
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// DeliveryCount is the number of times this message has been delivered.
	DeliveryCount int
	// Outcome is the outcome recorded when the job finished.
	Outcome transport.Outcome
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the rest of the pipeline runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the pipeline returns without error.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the pipeline returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// at appropriate points in the message lifecycle.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooks(hooks),
	}
}

func jobHooks(hooks JobHooks) Middleware {
	return func(ctx context.Context, sh *StateHandler, next Next) error {
		env := sh.Envelope()
		jobCtx := JobContext{
			MessageType:   env.MessageType,
			Channel:       sh.Channel().Name,
			MessageID:     env.ID,
			Properties:    env.Properties,
			Context:       ctx,
			StartedAt:     time.Now(),
			DeliveryCount: env.DeliveryCount,
		}

		if hooks.OnJobStart != nil {
			hooks.OnJobStart(jobCtx)
		}

		err := next(ctx, sh)

		jobCtx.Duration = time.Since(jobCtx.StartedAt)
		jobCtx.Outcome = sh.Outcome()
		if err != nil {
			if hooks.OnJobError != nil {
				hooks.OnJobError(jobCtx, err)
			}
		} else if hooks.OnJobDone != nil {
			hooks.OnJobDone(jobCtx)
		}
		return err
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"message_type":   ctx.MessageType,
				"channel":        ctx.Channel,
				"message_id":     ctx.MessageID,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"message_type": ctx.MessageType,
				"channel":      ctx.Channel,
				"message_id":   ctx.MessageID,
				"outcome":      ctx.Outcome.String(),
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"message_type":   ctx.MessageType,
				"channel":        ctx.Channel,
				"message_id":     ctx.MessageID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward job events to counters.
func MetricsHooks(onStart, onDone, onError func(messageType, channel string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.MessageType, ctx.Channel)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.MessageType, ctx.Channel)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.MessageType, ctx.Channel)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
