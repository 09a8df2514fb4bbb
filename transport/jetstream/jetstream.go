// Package jetstream provides a NATS JetStream transport for relayflow. Each
// channel is a durable pull consumer on one stream subject. Redelivery counts
// come from the server, and message locks are extended with in-progress acks.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/lease"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when the config names no stream.
	DefaultStreamName = "RELAYFLOW"

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a single pull request.
	DefaultFetchWait = 5 * time.Second

	// HeaderMessageID carries the relayflow message id.
	HeaderMessageID = "relayflow_message_id"
)

var ErrClosed = errors.New("relayflow: jetstream transport is closed")

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetNATSStream(),
	}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to DefaultStreamName.
	StreamName string

	// MaxDeliver caps server-side redeliveries. Zero means unlimited; the
	// processor dead-letters by delivery count on its own.
	MaxDeliver int

	// AckWait is how long a delivery stays locked without an in-progress ack.
	AckWait time.Duration

	// FetchWait bounds a single pull request.
	FetchWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = -1
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport receives from JetStream pull consumers.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("relayflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger.With(watermill.LogFields{"transport": TransportName, "stream": cfg.StreamName}),
		closed: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}
	return streamCfg
}

func (t *Transport) ensureStream() error {
	streamCfg := t.streamConfig()
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		t.logger.Info("JetStream stream exists", watermill.LogFields{"error": err.Error()})
	}
	return nil
}

func (t *Transport) Capabilities() transport.Capabilities { return transport.NATSJetStreamCapabilities }

func (t *Transport) subject(channel string) string {
	return t.config.StreamName + "." + channel
}

func consumerName(ch transport.Channel) string {
	name := ch.Subscription
	if name == "" {
		name = "consumer_" + ch.Name
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Send publishes payload to the channel's subject.
func (t *Transport) Send(ctx context.Context, channel, messageType string, payload []byte, props metadata.Properties) (string, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	id := ids.CreateULID()
	msg := nats.NewMsg(t.subject(channel))
	msg.Data = payload
	for k, v := range props.ToMap() {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(transport.HeaderMessageType, messageType)
	msg.Header.Set(HeaderMessageID, id)
	if _, err := t.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("failed to publish to JetStream: %w", err)
	}
	return id, nil
}

func (t *Transport) Receiver(ctx context.Context, ch transport.Channel) (transport.Receiver, error) {
	if ch.Name == "" {
		return nil, errors.New("relayflow: channel name is required")
	}
	return &receiver{t: t, ch: ch, pending: make(map[string]*nats.Msg)}, nil
}

// Close closes the NATS connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.nc.Close()
	})
	return nil
}

// PendingCount reports messages stored on the channel subject.
func (t *Transport) PendingCount(ctx context.Context, ch transport.Channel) (int64, error) {
	return t.subjectCount(ctx, t.subject(ch.Name))
}

// DeadLetterCount reports messages stored on the dead-letter subject.
func (t *Transport) DeadLetterCount(ctx context.Context, ch transport.Channel) (int64, error) {
	return t.subjectCount(ctx, t.subject(ch.DeadLetterName()))
}

func (t *Transport) subjectCount(ctx context.Context, subject string) (int64, error) {
	info, err := t.js.StreamInfo(t.config.StreamName, &nats.StreamInfoRequest{SubjectsFilter: subject}, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", subject, err)
	}
	return int64(info.State.Subjects[subject]), nil
}

// PurgeDeadLetters removes every message on the dead-letter subject.
func (t *Transport) PurgeDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	n, err := t.DeadLetterCount(ctx, ch)
	if err != nil {
		return 0, err
	}
	subject := t.subject(ch.DeadLetterName())
	if err := t.js.PurgeStream(t.config.StreamName, &nats.StreamPurgeRequest{Subject: subject}, nats.Context(ctx)); err != nil {
		return 0, fmt.Errorf("purge %s: %w", subject, err)
	}
	return n, nil
}

// ReplayDeadLetters republishes every dead letter to the channel subject and
// then purges the dead-letter subject.
func (t *Transport) ReplayDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	total, err := t.DeadLetterCount(ctx, ch)
	if err != nil || total == 0 {
		return 0, err
	}

	dlqSubject := t.subject(ch.DeadLetterName())
	sub, err := t.js.PullSubscribe(dlqSubject, "", nats.BindStream(t.config.StreamName), nats.DeliverAll(), nats.AckExplicit())
	if err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", dlqSubject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	var replayed int64
	for replayed < total {
		msgs, err := sub.Fetch(int(min(total-replayed, 100)), nats.MaxWait(t.config.FetchWait))
		if err != nil {
			return replayed, fmt.Errorf("fetch dead letters: %w", err)
		}
		for _, msg := range msgs {
			out := nats.NewMsg(t.subject(ch.Name))
			out.Data = msg.Data
			for k, v := range msg.Header {
				if len(v) > 0 {
					out.Header.Set(k, v[0])
				}
			}
			out.Header.Del(transport.HeaderDeadLetterWhy)
			out.Header.Del(transport.HeaderOriginChannel)
			out.Header.Del(transport.HeaderDeliveryCount)
			if _, err := t.js.PublishMsg(out, nats.Context(ctx)); err != nil {
				return replayed, fmt.Errorf("replay dead letter: %w", err)
			}
			_ = msg.Ack()
			replayed++
		}
	}

	if err := t.js.PurgeStream(t.config.StreamName, &nats.StreamPurgeRequest{Subject: dlqSubject}, nats.Context(ctx)); err != nil {
		return replayed, fmt.Errorf("purge %s: %w", dlqSubject, err)
	}
	return replayed, nil
}

type receiver struct {
	t  *Transport
	ch transport.Channel

	mu      sync.Mutex
	sub     *nats.Subscription
	pending map[string]*nats.Msg
}

// Provision creates or updates the durable pull consumer and subscribes to it.
func (r *receiver) Provision(ctx context.Context) error {
	_, err := r.subscription()
	return err
}

func (r *receiver) subscription() (*nats.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return r.sub, nil
	}

	t := r.t
	subject := t.subject(r.ch.Name)
	durable := consumerName(r.ch)
	ackWait := t.config.AckWait
	if r.ch.LockTimeout > 0 {
		ackWait = r.ch.LockTimeout
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       ackWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	r.sub = sub
	return sub, nil
}

// Fetch pulls up to max messages. A pull that times out returns an empty batch.
func (r *receiver) Fetch(ctx context.Context, max int) ([]*transport.Envelope, error) {
	if r.t.isClosed() {
		return nil, ErrClosed
	}
	sub, err := r.subscription()
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.t.config.FetchWait)
	defer cancel()
	msgs, err := sub.Fetch(max, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from %s: %w", r.ch.Name, err)
	}

	batch := make([]*transport.Envelope, 0, len(msgs))
	r.mu.Lock()
	for _, msg := range msgs {
		env := toEnvelope(msg)
		r.pending[env.RedeliveryToken] = msg
		batch = append(batch, env)
	}
	r.mu.Unlock()
	return batch, nil
}

func toEnvelope(msg *nats.Msg) *transport.Envelope {
	values := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		if len(v) > 0 {
			values[k] = v[0]
		}
	}
	messageType := values[transport.HeaderMessageType]
	id := values[HeaderMessageID]
	delete(values, transport.HeaderMessageType)
	delete(values, HeaderMessageID)

	env := &transport.Envelope{
		ID:              id,
		MessageType:     messageType,
		Payload:         msg.Data,
		DeliveryCount:   1,
		Properties:      metadata.FromMap(values),
		RedeliveryToken: uuid.NewString(),
		EnqueuedAt:      time.Now(),
	}
	if md, err := msg.Metadata(); err == nil {
		env.DeliveryCount = int(md.NumDelivered)
		env.EnqueuedAt = md.Timestamp
		if env.ID == "" {
			env.ID = strconv.FormatUint(md.Sequence.Stream, 10)
		}
	}
	return env
}

func (r *receiver) take(env *transport.Envelope) (*nats.Msg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.pending[env.RedeliveryToken]
	if !ok {
		return nil, fmt.Errorf("relayflow: delivery %s is not pending on this receiver", env.ID)
	}
	delete(r.pending, env.RedeliveryToken)
	return msg, nil
}

// Acknowledge acks, naks or dead-letters the delivery. Dead letters are
// published to the dead-letter subject and terminated on the consumer.
func (r *receiver) Acknowledge(ctx context.Context, env *transport.Envelope, ack transport.Acknowledgment) error {
	msg, err := r.take(env)
	if err != nil {
		return err
	}

	switch ack.Outcome {
	case transport.OutcomeComplete:
		return msg.Ack()
	case transport.OutcomeDeadLetter:
		dl := nats.NewMsg(r.t.subject(r.ch.DeadLetterName()))
		dl.Data = msg.Data
		for k, v := range msg.Header {
			if len(v) > 0 {
				dl.Header.Set(k, v[0])
			}
		}
		dl.Header.Set(transport.HeaderDeadLetterWhy, ack.Reason)
		dl.Header.Set(transport.HeaderOriginChannel, r.ch.Name)
		dl.Header.Set(transport.HeaderDeliveryCount, strconv.Itoa(env.DeliveryCount))
		if _, err := r.t.js.PublishMsg(dl, nats.Context(ctx)); err != nil {
			_ = msg.Nak()
			return fmt.Errorf("publish dead letter: %w", err)
		}
		return msg.Term()
	default:
		return msg.Nak()
	}
}

// Lease returns a lease that extends the delivery's ack deadline.
func (r *receiver) Lease(env *transport.Envelope, timeout time.Duration) lease.Lease {
	return &progressLease{r: r, env: env}
}

// Close unsubscribes without deleting the durable consumer.
func (r *receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Unsubscribe()
	r.sub = nil
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

type progressLease struct {
	r   *receiver
	env *transport.Envelope
}

func (l *progressLease) Renew(ctx context.Context) (bool, error) {
	l.r.mu.Lock()
	msg, ok := l.r.pending[l.env.RedeliveryToken]
	l.r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := msg.InProgress(nats.Context(ctx)); err != nil {
		return false, err
	}
	return true, nil
}

// Release is a no-op; the acknowledgment settles the delivery.
func (l *progressLease) Release(ctx context.Context) error { return nil }

func (l *progressLease) String() string {
	return "jetstream:" + l.r.ch.Name + "/" + l.env.ID
}

var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.DLQManager        = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.Provisioner       = (*receiver)(nil)
	_ transport.LeaseProvider     = (*receiver)(nil)
)
