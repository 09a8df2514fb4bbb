package runtime

import (
	"context"
	"errors"

	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/transport"
)

// ProcessorOptions configures a Processor. Handlers is required.
type ProcessorOptions struct {
	Handlers    *HandlerRegistry
	Serializer  serialization.Serializer
	Attachments AttachmentProvider
	Scopes      ScopeProvider
	Logger      loggingpkg.ServiceLogger
}

// Processor resolves the handler for an envelope and runs it through the
// middleware pipeline.
type Processor struct {
	handlers    *HandlerRegistry
	serializer  serialization.Serializer
	attachments AttachmentProvider
	scopes      ScopeProvider
	logger      loggingpkg.ServiceLogger
	pipeline    Next
}

// NewProcessor folds mws around the handler invocation once. The resulting
// pipeline is shared by every envelope.
func NewProcessor(opts ProcessorOptions, mws ...Middleware) (*Processor, error) {
	if opts.Handlers == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	p := &Processor{
		handlers:    opts.Handlers,
		serializer:  opts.Serializer,
		attachments: opts.Attachments,
		scopes:      opts.Scopes,
		logger:      opts.Logger,
	}
	if p.serializer == nil {
		p.serializer = serialization.Default()
	}
	if p.logger == nil {
		p.logger = loggingpkg.NewNopServiceLogger()
	}
	p.pipeline = BuildPipeline(invokeHandler, mws...)
	return p, nil
}

// invokeHandler is the terminal pipeline stage. A handler that returns nil
// without recording an outcome completes the message.
func invokeHandler(ctx context.Context, sh *StateHandler) error {
	if err := sh.handler.Handle(ctx, sh.message, sh); err != nil {
		return err
	}
	if sh.Outcome() == transport.OutcomeNone {
		return sh.Complete(ctx)
	}
	return nil
}

// Process runs the handler registered for the envelope's message type.
// Configuration defects abandon the message, undecodable payloads dead-letter
// it; every other error is returned for the receiver to resolve.
func (p *Processor) Process(ctx context.Context, sh *StateHandler) error {
	env := sh.Envelope()
	fields := loggingpkg.LogFields{
		"message_id":   env.ID,
		"message_type": env.MessageType,
		"channel":      sh.Channel().Name,
	}

	reg, ok := p.handlers.Lookup(env.MessageType)
	if !ok {
		err := &errspkg.HandlerNotFoundError{MessageType: env.MessageType}
		p.logConfigurationDefect(err, fields)
		return errors.Join(err, sh.Abandon(ctx))
	}

	msg := reg.New()
	if err := p.serializer.Deserialize(env.Payload, msg); err != nil {
		serr := &errspkg.SerializationError{MessageType: env.MessageType, Err: err}
		p.logger.Error("Poison message: payload could not be deserialized", serr, withClass(fields, errspkg.ClassPoison))
		return errors.Join(serr, sh.DeadLetter(ctx, serr.Error()))
	}

	if env.Properties.HasAttachment() {
		if p.attachments == nil {
			err := errspkg.ErrAttachmentProviderMissing
			p.logConfigurationDefect(err, fields)
			return errors.Join(err, sh.Abandon(ctx))
		}
		att, err := p.attachments.GetAttachment(ctx, sh.Channel().Name, env.Properties.AttachmentID)
		if err != nil {
			return err
		}
		sh.attachment = att
		if carrier, ok := msg.(serialization.AttachmentCarrier); ok {
			carrier.SetAttachment(att)
		}
	}

	if p.scopes != nil {
		scope, err := p.scopes.NewScope(ctx)
		if err != nil {
			return err
		}
		sh.scope = scope
	}

	sh.message = msg
	sh.handler = reg
	return p.pipeline(ctx, sh)
}

func (p *Processor) logConfigurationDefect(err error, fields loggingpkg.LogFields) {
	p.logger.Error("Configuration defect: message cannot be processed by this deployment", err, withClass(fields, errspkg.ClassConfiguration))
}

func withClass(fields loggingpkg.LogFields, class errspkg.ErrorClass) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error_class"] = string(class)
	return out
}
