package relayflow

import (
	"context"

	runtimepkg "github.com/drblury/relayflow/internal/runtime"
	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	idspkg "github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/lease"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/internal/runtime/singleton"
	"github.com/drblury/relayflow/transport"
	_ "github.com/drblury/relayflow/transport/memory" // default transport
)

type (
	Config              = configpkg.Config
	ProcessingSettings  = configpkg.ProcessingSettings
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	ReceiverRegistration  = runtimepkg.ReceiverRegistration
	Receiver              = runtimepkg.Receiver
	ReceiverDeps          = runtimepkg.ReceiverDeps
	ReceiverFactory       = runtimepkg.ReceiverFactory
	ReceiverState         = runtimepkg.ReceiverState
	ReceiverStatsSnapshot = runtimepkg.ReceiverStatsSnapshot
	ChannelReceiver       = runtimepkg.ChannelReceiver
	StatusReport          = runtimepkg.StatusReport

	StateHandler        = runtimepkg.StateHandler
	HandlerFunc         = runtimepkg.HandlerFunc
	HandlerRegistration = runtimepkg.HandlerRegistration
	HandlerRegistry     = runtimepkg.HandlerRegistry
	Processor           = runtimepkg.Processor
	ProcessorOptions    = runtimepkg.ProcessorOptions

	Next                   = runtimepkg.Next
	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQChannelMetrics  = runtimepkg.DLQChannelMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	Scope                  = runtimepkg.Scope
	ScopeProvider          = runtimepkg.ScopeProvider
	ScopeProviderFunc      = runtimepkg.ScopeProviderFunc
	ValueScope             = runtimepkg.ValueScope
	AttachmentProvider     = runtimepkg.AttachmentProvider
	AttachmentProviderFunc = runtimepkg.AttachmentProviderFunc

	Serializer        = serialization.Serializer
	Attachment        = serialization.Attachment
	AttachmentCarrier = serialization.AttachmentCarrier
	JSONSerializer    = serialization.JSON
	ProtoJSON         = serialization.ProtoJSON

	Properties = metadatapkg.Properties

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Lease          = lease.Lease
	LeaseOption    = lease.Option
	Renewer        = lease.Renewer
	TerminatedHook = lease.TerminatedHook

	Locker          = singleton.Locker
	Lock            = singleton.Lock
	SingletonOption = singleton.RunOption

	InvalidOperationError = errspkg.InvalidOperationError
	HandlerNotFoundError  = errspkg.HandlerNotFoundError
	SerializationError    = errspkg.SerializationError
	ErrorClass            = errspkg.ErrorClass

	// Transport contract
	Envelope          = transport.Envelope
	Outcome           = transport.Outcome
	Acknowledgment    = transport.Acknowledgment
	Channel           = transport.Channel
	Transport         = transport.Transport
	TransportReceiver = transport.Receiver
	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportRegistry = transport.Registry
	Capabilities      = transport.Capabilities
	Sender            = transport.Sender
	Provisioner       = transport.Provisioner
	LeaseProvider     = transport.LeaseProvider
	DLQManager        = transport.DLQManager
	DLQLister         = transport.DLQLister
	DeadLetter        = transport.DeadLetter
	QueueIntrospector = transport.QueueIntrospector
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewHandlerRegistry     = runtimepkg.NewHandlerRegistry
	NewReceiverRegistry    = runtimepkg.NewReceiverRegistry
	NewChannelReceiver     = runtimepkg.NewChannelReceiver
	DefaultReceiverFactory = runtimepkg.DefaultReceiverFactory
	NewProcessor           = runtimepkg.NewProcessor
	NewStateHandler        = runtimepkg.NewStateHandler
	NewValueScopeProvider  = runtimepkg.NewValueScopeProvider

	BuildPipeline             = runtimepkg.BuildPipeline
	DefaultMiddlewares        = runtimepkg.DefaultMiddlewares
	RecovererMiddleware       = runtimepkg.RecovererMiddleware
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	ConfiguredRetryMiddleware = runtimepkg.ConfiguredRetryMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewDLQMetrics = runtimepkg.NewDLQMetrics

	DefaultSerializer = serialization.Default

	NewProperties      = metadatapkg.New
	PropertiesFromMap  = metadatapkg.FromMap
	NewWatermillLogger = loggingpkg.NewWatermillAdapter

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	StartRenewer         = lease.Start
	WithRenewInterval    = lease.WithInterval
	WithRenewRetries     = lease.WithRetryDelays
	WithLeaseLogger      = lease.WithLogger
	WithTerminatedHook   = lease.WithTerminatedHook
	WithLeaseAutoRelease = lease.WithAutoRelease

	NewLocker           = singleton.NewLocker
	NewRedisLocker      = singleton.NewRedisLocker
	WithLockTTL         = singleton.WithTTL
	WithLockPrefix      = singleton.WithPrefix
	WithAutoRelease     = singleton.WithAutoRelease
	WithSingletonLogger = singleton.WithLogger
	WithRenewOptions    = singleton.WithRenewOptions

	// Modular transport registry. Import individual transports via
	// _ "github.com/drblury/relayflow/transport/sqs", or all of them via
	// _ "github.com/drblury/relayflow/transport/transports".
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Classify = errspkg.Classify

	ErrServiceRequired           = errspkg.ErrServiceRequired
	ErrConfigRequired            = errspkg.ErrConfigRequired
	ErrLoggerRequired            = errspkg.ErrLoggerRequired
	ErrTransportRequired         = errspkg.ErrTransportRequired
	ErrHandlerRequired           = errspkg.ErrHandlerRequired
	ErrMessageTypeRequired       = errspkg.ErrMessageTypeRequired
	ErrChannelRequired           = errspkg.ErrChannelRequired
	ErrHandlerAlreadyRegistered  = errspkg.ErrHandlerAlreadyRegistered
	ErrRegistryFrozen            = errspkg.ErrRegistryFrozen
	ErrHandlerNotFound           = errspkg.ErrHandlerNotFound
	ErrSerialization             = errspkg.ErrSerialization
	ErrAttachmentProviderMissing = errspkg.ErrAttachmentProviderMissing
	ErrOutcomeAlreadyRecorded    = errspkg.ErrOutcomeAlreadyRecorded
	ErrOutcomeNotRecorded        = errspkg.ErrOutcomeNotRecorded
	ErrDeliveryLimitExceeded     = errspkg.ErrDeliveryLimitExceeded
	ErrReceiverNotRestartable    = errspkg.ErrReceiverNotRestartable
	ErrServiceStarted            = errspkg.ErrServiceStarted
	ErrDLQUnsupported            = errspkg.ErrDLQUnsupported
	ErrSendUnsupported           = errspkg.ErrSendUnsupported
	ErrSingletonUnavailable      = errspkg.ErrSingletonUnavailable
	ErrLockNameRequired          = singleton.ErrLockNameRequired
	ErrUnknownTransport          = transport.ErrUnknownTransport

	CreateULID = idspkg.CreateULID
)

// Outcomes recorded by a StateHandler.
const (
	OutcomeNone       = transport.OutcomeNone
	OutcomeComplete   = transport.OutcomeComplete
	OutcomeRetry      = transport.OutcomeRetry
	OutcomeDeadLetter = transport.OutcomeDeadLetter
	OutcomeAbandon    = transport.OutcomeAbandon
)

// Receiver lifecycle states.
const (
	StateCreated  = runtimepkg.StateCreated
	StateStarted  = runtimepkg.StateStarted
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping
	StateStopped  = runtimepkg.StateStopped
)

// Error classes returned by Classify.
const (
	ClassTransient     = errspkg.ClassTransient
	ClassPoison        = errspkg.ClassPoison
	ClassConfiguration = errspkg.ClassConfiguration
	ClassFatal         = errspkg.ClassFatal
)

const (
	// AttachmentIDKey is the well-known property naming a message's attachment.
	AttachmentIDKey = metadatapkg.AttachmentIDKey
	// CorrelationIDKey is the property set by CorrelationIDMiddleware.
	CorrelationIDKey = runtimepkg.CorrelationIDKey
)

// Handle registers a typed handler and subscribes it to reg.Channel.
func Handle[T any](svc *Service, reg ReceiverRegistration, fn func(ctx context.Context, msg *T, sh *StateHandler) error) error {
	return runtimepkg.Handle(svc, reg, fn)
}

// RegisterHandler registers a typed handler without subscribing it.
func RegisterHandler[T any](r *HandlerRegistry, messageType string, fn func(ctx context.Context, msg *T, sh *StateHandler) error) error {
	return runtimepkg.RegisterHandler(r, messageType, fn)
}

// RunExclusive runs fn while holding the named singleton lock.
func RunExclusive(ctx context.Context, l *Locker, name string, fn func(context.Context) error, opts ...SingletonOption) (bool, error) {
	return singleton.RunExclusive(ctx, l, name, fn, opts...)
}
