// Package pubsub adapts a watermill publisher and subscriber pair to the
// relayflow pull-based receiver contract. It backs the channel, kafka,
// rabbitmq, nats, http and aws transports.
//
// Watermill has no message locks, so pubsub receivers do not implement
// transport.LeaseProvider. Delivery counts are tracked in process per message
// UUID and reset when the process restarts. Dead letters are published to the
// channel's dead-letter topic and then acknowledged on the source topic.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

var (
	ErrPublisherRequired  = errors.New("relayflow: watermill publisher is required")
	ErrSubscriberRequired = errors.New("relayflow: watermill subscriber is required")
	ErrSubscriptionClosed = errors.New("relayflow: watermill subscription closed")
	ErrUnknownDelivery    = errors.New("relayflow: delivery is not pending on this receiver")
)

// Config configures a Transport.
type Config struct {
	Publisher    message.Publisher
	Subscriber   message.Subscriber
	Capabilities transport.Capabilities
	Logger       watermill.LoggerAdapter
	// Closers are closed after the subscriber and publisher, e.g. a shared connection.
	Closers []io.Closer
}

// Transport is a transport.Transport over watermill.
type Transport struct {
	pub     message.Publisher
	sub     message.Subscriber
	caps    transport.Capabilities
	logger  watermill.LoggerAdapter
	closers []io.Closer

	deliveries *deliveryCounter

	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config) (*Transport, error) {
	if cfg.Publisher == nil {
		return nil, ErrPublisherRequired
	}
	if cfg.Subscriber == nil {
		return nil, ErrSubscriberRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		pub:        cfg.Publisher,
		sub:        cfg.Subscriber,
		caps:       cfg.Capabilities,
		logger:     logger.With(watermill.LogFields{"transport": cfg.Capabilities.Name}),
		closers:    cfg.Closers,
		deliveries: newDeliveryCounter(),
	}, nil
}

func (t *Transport) Publisher() message.Publisher         { return t.pub }
func (t *Transport) Subscriber() message.Subscriber       { return t.sub }
func (t *Transport) Capabilities() transport.Capabilities { return t.caps }

// Send publishes payload to channel with the message type header set.
func (t *Transport) Send(ctx context.Context, channel, messageType string, payload []byte, props metadata.Properties) (string, error) {
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(props)
	msg.Metadata.Set(transport.HeaderMessageType, messageType)
	msg.SetContext(ctx)
	if err := t.pub.Publish(channel, msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	return msg.UUID, nil
}

// Receiver returns a receiver for ch. The watermill subscription is opened by
// Provision or by the first Fetch.
func (t *Transport) Receiver(ctx context.Context, ch transport.Channel) (transport.Receiver, error) {
	if ch.Name == "" {
		return nil, errors.New("relayflow: channel name is required")
	}
	return &receiver{
		t:       t,
		ch:      ch,
		pending: make(map[string]*message.Message),
		logger:  t.logger.With(watermill.LogFields{"topic": ch.Name}),
	}, nil
}

// Close closes the subscriber, the publisher and any extra closers.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		errs := []error{t.sub.Close(), t.pub.Close()}
		for _, c := range t.closers {
			errs = append(errs, c.Close())
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

type receiver struct {
	t      *Transport
	ch     transport.Channel
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	messages <-chan *message.Message
	cancel   context.CancelFunc
	pending  map[string]*message.Message
}

// Provision runs the subscriber's initializer, when it has one, and opens the
// subscription.
func (r *receiver) Provision(ctx context.Context) error {
	if init, ok := r.t.sub.(message.SubscribeInitializer); ok {
		if err := init.SubscribeInitialize(r.ch.Name); err != nil {
			return fmt.Errorf("initialize subscription %s: %w", r.ch.Name, err)
		}
	}
	_, err := r.subscribe()
	return err
}

func (r *receiver) subscribe() (<-chan *message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages != nil {
		return r.messages, nil
	}
	// The subscription outlives any single Fetch call.
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := r.t.sub.Subscribe(subCtx, r.ch.Name)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", r.ch.Name, err)
	}
	r.messages, r.cancel = msgs, cancel
	return msgs, nil
}

// Fetch waits for one message, then drains up to max without blocking.
func (r *receiver) Fetch(ctx context.Context, max int) ([]*transport.Envelope, error) {
	msgs, err := r.subscribe()
	if err != nil {
		return nil, err
	}

	var batch []*transport.Envelope
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-msgs:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		batch = append(batch, r.track(msg))
	}
	for len(batch) < max {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return batch, nil
			}
			batch = append(batch, r.track(msg))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (r *receiver) track(msg *message.Message) *transport.Envelope {
	token := uuid.NewString()
	r.mu.Lock()
	r.pending[token] = msg
	r.mu.Unlock()

	props := metadata.FromWatermill(msg.Metadata).Clone()
	for _, reserved := range []string{transport.HeaderMessageType, transport.HeaderDeliveryCount} {
		delete(props.Extra, reserved)
	}

	return &transport.Envelope{
		ID:              msg.UUID,
		MessageType:     msg.Metadata.Get(transport.HeaderMessageType),
		Payload:         msg.Payload,
		DeliveryCount:   r.t.deliveries.next(msg.UUID, msg.Metadata.Get(transport.HeaderDeliveryCount)),
		Properties:      props,
		RedeliveryToken: token,
		EnqueuedAt:      enqueuedAt(msg.UUID),
	}
}

// Acknowledge acks, nacks or dead-letters the watermill message behind env.
func (r *receiver) Acknowledge(ctx context.Context, env *transport.Envelope, ack transport.Acknowledgment) error {
	r.mu.Lock()
	msg, ok := r.pending[env.RedeliveryToken]
	delete(r.pending, env.RedeliveryToken)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, env.ID)
	}

	switch ack.Outcome {
	case transport.OutcomeComplete:
		r.t.deliveries.forget(msg.UUID)
		msg.Ack()
	case transport.OutcomeDeadLetter:
		if err := r.publishDeadLetter(ctx, env, msg, ack.Reason); err != nil {
			msg.Nack()
			return err
		}
		r.t.deliveries.forget(msg.UUID)
		msg.Ack()
	default:
		msg.Nack()
	}
	r.logger.Trace("Message settled", watermill.LogFields{"message_uuid": msg.UUID, "outcome": ack.Outcome.String()})
	return nil
}

func (r *receiver) publishDeadLetter(ctx context.Context, env *transport.Envelope, msg *message.Message, reason string) error {
	dl := msg.Copy()
	dl.Metadata.Set(transport.HeaderDeadLetterWhy, reason)
	dl.Metadata.Set(transport.HeaderOriginChannel, r.ch.Name)
	dl.Metadata.Set(transport.HeaderDeliveryCount, strconv.Itoa(env.DeliveryCount))
	dl.SetContext(ctx)

	topic := r.ch.DeadLetterName()
	if err := r.t.pub.Publish(topic, dl); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", topic, err)
	}
	r.logger.Info("Message dead-lettered", watermill.LogFields{
		"message_uuid":      msg.UUID,
		"dead_letter_topic": topic,
		"reason":            reason,
	})
	return nil
}

// Close ends the subscription. Pending messages are nacked.
func (r *receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	for token, msg := range r.pending {
		msg.Nack()
		delete(r.pending, token)
	}
	return nil
}

func enqueuedAt(id string) time.Time {
	if ts, ok := ids.Timestamp(id); ok {
		return ts
	}
	return time.Now()
}

// deliveryCounter counts deliveries per message UUID.
type deliveryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newDeliveryCounter() *deliveryCounter {
	return &deliveryCounter{counts: make(map[string]int)}
}

// next records a delivery of id. A delivery count header carried by the
// message seeds the counter the first time id is seen.
func (c *deliveryCounter) next(id, header string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, seen := c.counts[id]
	if !seen {
		if base, err := strconv.Atoi(header); err == nil && base > 0 {
			n = base
		}
	}
	n++
	c.counts[id] = n
	return n
}

func (c *deliveryCounter) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
}

var (
	_ transport.Transport   = (*Transport)(nil)
	_ transport.Provisioner = (*receiver)(nil)
	_ io.Closer             = (*receiver)(nil)
)
