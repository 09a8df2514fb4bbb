package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/relayflow/internal/runtime/config"
	errspkg "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/lease"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/internal/runtime/singleton"
	"github.com/drblury/relayflow/transport"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	// Transport is used as-is when set. Otherwise TransportFactory, then the
	// default transport registry, builds one from the config.
	Transport         transport.Transport
	TransportFactory  transport.Builder
	Serializer        serialization.Serializer
	Scopes            ScopeProvider
	Attachments       AttachmentProvider
	MetricsRegisterer prometheus.Registerer
	DLQMetrics        *DLQMetrics
	// Singletons overrides the Redis locker built from Conf.RedisAddr.
	Singletons *singleton.Locker

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// ReceiverRegistration subscribes a message type to a channel.
type ReceiverRegistration struct {
	MessageType string
	Channel     transport.Channel
	Settings    configpkg.ProcessingSettings
	// Factory overrides DefaultReceiverFactory.
	Factory ReceiverFactory
}

// Service hosts one receiver per subscribed message type on a shared
// transport and middleware pipeline.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport   transport.Transport
	handlers    *HandlerRegistry
	factories   *ReceiverRegistry
	serializer  serialization.Serializer
	scopes      ScopeProvider
	attachments AttachmentProvider

	registerer   prometheus.Registerer
	gatherer     prometheus.Gatherer
	leaseMetrics *lease.Metrics
	dlqMetrics   *DLQMetrics

	singletons  *singleton.Locker
	redisCloser io.Closer

	mu            sync.Mutex
	started       bool
	middlewares   []namedMiddleware
	subscriptions []ReceiverRegistration
	receivers     []Receiver

	resources     *resourceSampler
	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration. Register
// handlers and subscriptions on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Info("Creating relayflow service", loggingpkg.LogFields{
		"pubsub_system": conf.GetPubSubSystem(),
		"config":        conf.String(),
	})

	s := &Service{
		Conf:        conf,
		Logger:      log,
		handlers:    NewHandlerRegistry(),
		factories:   NewReceiverRegistry(),
		serializer:  deps.Serializer,
		scopes:      deps.Scopes,
		attachments: deps.Attachments,
		registerer:  deps.MetricsRegisterer,
		dlqMetrics:  deps.DLQMetrics,
		singletons:  deps.Singletons,
		resources:   newResourceSampler(),
	}
	if s.singletons == nil && conf.RedisAddr != "" {
		s.singletons, s.redisCloser = singleton.NewRedisLocker(conf.RedisAddr, conf.RedisPassword, conf.RedisDB)
	}
	if s.serializer == nil {
		s.serializer = serialization.Default()
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if g, ok := s.registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	} else {
		s.gatherer = prometheus.DefaultGatherer
	}

	if err := s.initTransport(ctx, deps); err != nil {
		return nil, err
	}
	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initTransport(ctx context.Context, deps ServiceDependencies) error {
	if deps.Transport != nil {
		s.transport = deps.Transport
		return nil
	}
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)
	var (
		tr  transport.Transport
		err error
	)
	if deps.TransportFactory != nil {
		tr, err = deps.TransportFactory(ctx, s.Conf, wmLogger)
	} else {
		tr, err = transport.Build(ctx, s.Conf, wmLogger)
	}
	if err != nil {
		return fmt.Errorf("build transport %q: %w", s.Conf.GetPubSubSystem(), err)
	}
	if tr == nil {
		return errspkg.ErrTransportRequired
	}
	s.transport = tr
	return nil
}

func (s *Service) initMetrics() error {
	if !s.Conf.MetricsEnabled {
		return nil
	}
	lm, err := lease.NewMetrics(s.registerer)
	if err != nil {
		return fmt.Errorf("register lease metrics: %w", err)
	}
	s.leaseMetrics = lm

	if s.dlqMetrics == nil {
		s.dlqMetrics = NewDLQMetrics(s.registerer)
	}
	if err := s.dlqMetrics.Register(); err != nil {
		return fmt.Errorf("register dlq metrics: %w", err)
	}
	if s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) metricsRegisterer() prometheus.Registerer { return s.registerer }

// Transport returns the transport receivers are opened on.
func (s *Service) Transport() transport.Transport { return s.transport }

// Handlers returns the handler registry. It is frozen once Start is called.
func (s *Service) Handlers() *HandlerRegistry { return s.handlers }

// DLQMetrics returns the dead-letter metrics, nil when metrics are disabled
// and none were supplied.
func (s *Service) DLQMetrics() *DLQMetrics { return s.dlqMetrics }

// RegisterHandler adds a handler for a message type.
func (s *Service) RegisterHandler(reg HandlerRegistration) error {
	return s.handlers.Register(reg)
}

// Subscribe adds a receiver for reg.MessageType. A handler for the same
// message type must be registered before Start.
func (s *Service) Subscribe(reg ReceiverRegistration) error {
	if reg.MessageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	if reg.Channel.Name == "" {
		return errspkg.ErrChannelRequired
	}
	if err := reg.Settings.Validate(); err != nil {
		return fmt.Errorf("%s: %w", reg.MessageType, err)
	}
	if reg.Channel.DeadLetter == "" {
		reg.Channel.DeadLetter = reg.Channel.Name + s.Conf.GetDeadLetterSuffix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}
	if err := s.factories.Register(reg.MessageType, reg.Factory); err != nil {
		return err
	}
	s.subscriptions = append(s.subscriptions, reg)
	return nil
}

// Handle registers a typed handler and its subscription in one call.
func Handle[T any](s *Service, reg ReceiverRegistration, fn func(ctx context.Context, msg *T, sh *StateHandler) error) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if err := RegisterHandler(s.handlers, reg.MessageType, fn); err != nil {
		return err
	}
	return s.Subscribe(reg)
}

// Receivers returns the receivers constructed by Start.
func (s *Service) Receivers() []Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Receiver(nil), s.receivers...)
}

// Start freezes the registries, builds the middleware pipeline once, starts
// every receiver and blocks until ctx is cancelled and all receivers have
// stopped. The first receiver start failure stops the receivers already
// running and is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	subs := append([]ReceiverRegistration(nil), s.subscriptions...)
	mws := make([]Middleware, 0, len(s.middlewares))
	for _, m := range s.middlewares {
		mws = append(mws, m.mw)
	}
	s.mu.Unlock()

	s.handlers.Freeze()
	s.factories.Freeze()

	for _, sub := range subs {
		if _, ok := s.handlers.Lookup(sub.MessageType); !ok {
			err := &errspkg.HandlerNotFoundError{MessageType: sub.MessageType}
			s.Logger.Error("Subscription has no handler, receiver will abandon every message", err, loggingpkg.LogFields{
				"error_class": string(errspkg.ClassConfiguration),
			})
		}
	}

	processor, err := NewProcessor(ProcessorOptions{
		Handlers:    s.handlers,
		Serializer:  s.serializer,
		Attachments: s.attachments,
		Scopes:      s.scopes,
		Logger:      s.Logger,
	}, mws...)
	if err != nil {
		return errors.Join(err, s.closeResources())
	}

	opts := ReceiverOptions{
		RenewInterval: s.Conf.RenewInterval(),
		GracePeriod:   s.Conf.GracePeriod(),
		PollInterval:  s.Conf.FetchPollInterval(),
		LeaseMetrics:  s.leaseMetrics,
		DLQMetrics:    s.dlqMetrics,
	}

	var running []Receiver
	for _, sub := range subs {
		rcv, err := s.factories.Build(ReceiverDeps{
			MessageType: sub.MessageType,
			Channel:     sub.Channel,
			Settings:    sub.Settings,
			Transport:   s.transport,
			Processor:   processor,
			Logger:      s.Logger,
			Options:     opts,
		})
		if err == nil {
			err = rcv.Start(ctx)
		}
		if err != nil {
			s.stopReceivers(running)
			return errors.Join(fmt.Errorf("start receiver %s: %w", sub.MessageType, err), s.closeResources())
		}
		running = append(running, rcv)
	}

	s.mu.Lock()
	s.receivers = running
	s.mu.Unlock()

	s.StartWebUIServer()
	stopHTTP := s.startHTTPServers()
	defer stopHTTP()

	<-ctx.Done()
	for _, rcv := range running {
		<-rcv.Done()
	}
	s.Logger.Info("All receivers stopped", nil)
	return s.closeResources()
}

// closeResources closes the transport and the Redis client the service opened.
func (s *Service) closeResources() error {
	err := s.transport.Close()
	if s.redisCloser != nil {
		err = errors.Join(err, s.redisCloser.Close())
	}
	return err
}

// RunExclusive runs fn on at most one service instance at a time, guarded by
// the named Redis singleton lock. ran is false when another instance holds it.
func (s *Service) RunExclusive(ctx context.Context, name string, fn func(context.Context) error, opts ...singleton.RunOption) (ran bool, err error) {
	if s.singletons == nil {
		return false, errspkg.ErrSingletonUnavailable
	}
	base := []singleton.RunOption{
		singleton.WithLogger(loggingpkg.Component(s.Logger, "singleton")),
		singleton.WithRenewOptions(lease.WithInterval(s.Conf.RenewInterval()), lease.WithMetrics(s.leaseMetrics)),
	}
	return singleton.RunExclusive(ctx, s.singletons, name, fn, append(base, opts...)...)
}

func (s *Service) stopReceivers(receivers []Receiver) {
	for _, rcv := range receivers {
		if err := rcv.Stop(context.Background()); err != nil {
			s.Logger.Error("Failed to stop receiver", err, loggingpkg.LogFields{"message_type": rcv.MessageType()})
		}
	}
}

// Send serializes msg with the service serializer and enqueues it on channel.
func (s *Service) Send(ctx context.Context, channel, messageType string, msg any, props metadata.Properties) (string, error) {
	if channel == "" {
		return "", errspkg.ErrChannelRequired
	}
	if messageType == "" {
		return "", errspkg.ErrMessageTypeRequired
	}
	sender, ok := s.transport.(transport.Sender)
	if !ok {
		return "", errspkg.ErrSendUnsupported
	}
	payload, err := s.serializer.Serialize(msg)
	if err != nil {
		return "", fmt.Errorf("serialize %q: %w", messageType, err)
	}
	return sender.Send(ctx, channel, messageType, payload, props)
}

// ListDeadLetters returns a page of dead letters when the transport supports it.
func (s *Service) ListDeadLetters(ctx context.Context, ch transport.Channel, limit, offset int) ([]transport.DeadLetter, error) {
	lister, ok := s.transport.(transport.DLQLister)
	if !ok {
		return nil, errspkg.ErrDLQUnsupported
	}
	return lister.ListDeadLetters(ctx, ch, limit, offset)
}

// ReplayDeadLetters moves the channel's dead letters back onto the channel.
func (s *Service) ReplayDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	mgr, ok := s.transport.(transport.DLQManager)
	if !ok {
		return 0, errspkg.ErrDLQUnsupported
	}
	n, err := mgr.ReplayDeadLetters(ctx, ch)
	if err != nil {
		return n, err
	}
	if s.dlqMetrics != nil {
		s.dlqMetrics.RecordMessagesReplayed(ch.Name, n)
	}
	s.Logger.Info("Dead letters replayed", loggingpkg.LogFields{"channel": ch.Name, "count": n})
	return n, nil
}

// PurgeDeadLetters deletes the channel's dead letters.
func (s *Service) PurgeDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	mgr, ok := s.transport.(transport.DLQManager)
	if !ok {
		return 0, errspkg.ErrDLQUnsupported
	}
	n, err := mgr.PurgeDeadLetters(ctx, ch)
	if err != nil {
		return n, err
	}
	if s.dlqMetrics != nil {
		s.dlqMetrics.RecordMessagesPurged(ch.Name, n)
	}
	s.Logger.Info("Dead letters purged", loggingpkg.LogFields{"channel": ch.Name, "count": n})
	return n, nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// startHTTPServers serves every registered mux and returns a function that
// shuts them down.
func (s *Service) startHTTPServers() func() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				s.Logger.Error("Failed to shut down HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}
	}
}
