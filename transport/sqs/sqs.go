// Package sqs provides a native Amazon SQS transport for relayflow. Unlike the
// aws transport it pulls straight from a queue, so deliveries carry the
// broker's receive count and hold a visibility timeout that the processor
// renews while a handler runs.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/lease"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/internal/runtime/serialization"
	"github.com/drblury/relayflow/transport"
	"github.com/drblury/relayflow/transport/aws"
)

// TransportName is the name used to register this transport.
const TransportName = "sqs"

const (
	// DefaultWaitTime is the long-poll duration of a Fetch.
	DefaultWaitTime = 20 * time.Second
	// DefaultLockTimeout applies when a channel does not set LockTimeout.
	DefaultLockTimeout = 30 * time.Second

	maxBatch      = 10
	maxVisibility = 12 * time.Hour
)

var ErrClosed = errors.New("relayflow: sqs transport is closed")

// API is the subset of the SQS client the transport uses.
type API interface {
	CreateQueue(ctx context.Context, in *amazonsqs.CreateQueueInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *amazonsqs.GetQueueAttributesInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, in *amazonsqs.SendMessageInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *amazonsqs.DeleteMessageInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *amazonsqs.ChangeMessageVisibilityInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	PurgeQueue(ctx context.Context, in *amazonsqs.PurgeQueueInput, opts ...func(*amazonsqs.Options)) (*amazonsqs.PurgeQueueOutput, error)
}

// ClientFactory allows overriding the SQS client creation for testing.
var ClientFactory = func(cfg awssdk.Config) API {
	return amazonsqs.NewFromConfig(cfg)
}

func init() {
	Register()
}

// Register registers the SQS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQSCapabilities)
}

// Build creates a new SQS transport from the AWS settings in cfg.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := aws.LoadConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(ClientFactory(*awsCfg), WithLogger(logger)), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(logger watermill.LoggerAdapter) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithWaitTime sets the long-poll duration. Zero makes Fetch return at once.
func WithWaitTime(d time.Duration) Option {
	return func(t *Transport) { t.waitTime = d }
}

// Transport is a transport.Transport over SQS queues.
type Transport struct {
	client   API
	logger   watermill.LoggerAdapter
	waitTime time.Duration

	mu     sync.Mutex
	urls   map[string]string
	closed bool
}

func New(client API, opts ...Option) *Transport {
	t := &Transport{
		client:   client,
		logger:   watermill.NopLogger{},
		waitTime: DefaultWaitTime,
		urls:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(watermill.LogFields{"transport": TransportName})
	return t
}

func (t *Transport) Capabilities() transport.Capabilities { return transport.SQSCapabilities }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// queueURL resolves and caches the URL for name. With create set the queue is
// created when missing.
func (t *Transport) queueURL(ctx context.Context, name string, create bool) (string, error) {
	t.mu.Lock()
	url, ok := t.urls[name]
	t.mu.Unlock()
	if ok {
		return url, nil
	}

	if create {
		out, err := t.client.CreateQueue(ctx, &amazonsqs.CreateQueueInput{QueueName: awssdk.String(name)})
		if err != nil {
			return "", fmt.Errorf("create queue %s: %w", name, err)
		}
		url = awssdk.ToString(out.QueueUrl)
	} else {
		out, err := t.client.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: awssdk.String(name)})
		if err != nil {
			return "", fmt.Errorf("resolve queue %s: %w", name, err)
		}
		url = awssdk.ToString(out.QueueUrl)
	}

	t.mu.Lock()
	t.urls[name] = url
	t.mu.Unlock()
	return url, nil
}

// Send enqueues payload on the named queue.
func (t *Transport) Send(ctx context.Context, queue, messageType string, payload []byte, props metadata.Properties) (string, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	url, err := t.queueURL(ctx, queue, false)
	if err != nil {
		return "", err
	}
	values := props.ToMap()
	values[transport.HeaderMessageType] = messageType
	values[idAttribute] = ids.CreateULID()
	if _, err := t.send(ctx, url, payload, values); err != nil {
		return "", err
	}
	return values[idAttribute], nil
}

// idAttribute carries the relayflow message id so it survives dead-lettering
// and replay, where SQS assigns a new MessageId.
const idAttribute = "relayflow_message_id"

func (t *Transport) send(ctx context.Context, url string, body []byte, values map[string]string) (*amazonsqs.SendMessageOutput, error) {
	attrs, err := encodeAttributes(values)
	if err != nil {
		return nil, err
	}
	out, err := t.client.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:          awssdk.String(url),
		MessageBody:       awssdk.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}

func (t *Transport) Receiver(ctx context.Context, ch transport.Channel) (transport.Receiver, error) {
	if ch.Name == "" {
		return nil, errors.New("relayflow: channel name is required")
	}
	timeout := ch.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &receiver{t: t, ch: ch, lockTimeout: timeout}, nil
}

// PendingCount reports the approximate number of visible messages.
func (t *Transport) PendingCount(ctx context.Context, ch transport.Channel) (int64, error) {
	return t.approximateCount(ctx, ch.Name)
}

// DeadLetterCount reports the approximate number of dead-lettered messages.
func (t *Transport) DeadLetterCount(ctx context.Context, ch transport.Channel) (int64, error) {
	return t.approximateCount(ctx, ch.DeadLetterName())
}

func (t *Transport) approximateCount(ctx context.Context, queue string) (int64, error) {
	url, err := t.queueURL(ctx, queue, false)
	if err != nil {
		return 0, err
	}
	name := types.QueueAttributeNameApproximateNumberOfMessages
	out, err := t.client.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       awssdk.String(url),
		AttributeNames: []types.QueueAttributeName{name},
	})
	if err != nil {
		return 0, fmt.Errorf("queue attributes %s: %w", queue, err)
	}
	n, err := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("queue attributes %s: %w", queue, err)
	}
	return n, nil
}

// ReplayDeadLetters moves every dead-lettered message back to the channel.
func (t *Transport) ReplayDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	src, err := t.queueURL(ctx, ch.DeadLetterName(), false)
	if err != nil {
		return 0, err
	}
	dst, err := t.queueURL(ctx, ch.Name, false)
	if err != nil {
		return 0, err
	}

	var replayed int64
	for {
		out, err := t.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
			QueueUrl:              awssdk.String(src),
			MaxNumberOfMessages:   maxBatch,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			return replayed, fmt.Errorf("receive dead letters: %w", err)
		}
		if len(out.Messages) == 0 {
			return replayed, nil
		}
		for _, msg := range out.Messages {
			values := attributeValues(msg.MessageAttributes)
			delete(values, transport.HeaderDeadLetterWhy)
			delete(values, transport.HeaderOriginChannel)
			delete(values, transport.HeaderDeliveryCount)
			if _, err := t.send(ctx, dst, []byte(awssdk.ToString(msg.Body)), values); err != nil {
				return replayed, err
			}
			if _, err := t.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
				QueueUrl:      awssdk.String(src),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				return replayed, fmt.Errorf("delete replayed dead letter: %w", err)
			}
			replayed++
		}
	}
}

// PurgeDeadLetters empties the dead-letter queue. The count is approximate.
func (t *Transport) PurgeDeadLetters(ctx context.Context, ch transport.Channel) (int64, error) {
	n, err := t.DeadLetterCount(ctx, ch)
	if err != nil {
		return 0, err
	}
	url, err := t.queueURL(ctx, ch.DeadLetterName(), false)
	if err != nil {
		return 0, err
	}
	if _, err := t.client.PurgeQueue(ctx, &amazonsqs.PurgeQueueInput{QueueUrl: awssdk.String(url)}); err != nil {
		return 0, fmt.Errorf("purge %s: %w", ch.DeadLetterName(), err)
	}
	return n, nil
}

type receiver struct {
	t           *Transport
	ch          transport.Channel
	lockTimeout time.Duration
}

// Provision creates the queue and its dead-letter queue.
func (r *receiver) Provision(ctx context.Context) error {
	if _, err := r.t.queueURL(ctx, r.ch.Name, true); err != nil {
		return err
	}
	_, err := r.t.queueURL(ctx, r.ch.DeadLetterName(), true)
	return err
}

func (r *receiver) Fetch(ctx context.Context, max int) ([]*transport.Envelope, error) {
	if r.t.isClosed() {
		return nil, ErrClosed
	}
	url, err := r.t.queueURL(ctx, r.ch.Name, false)
	if err != nil {
		return nil, err
	}
	if max <= 0 || max > maxBatch {
		max = maxBatch
	}

	out, err := r.t.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:              awssdk.String(url),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(r.t.waitTime / time.Second),
		VisibilityTimeout:     visibilitySeconds(r.lockTimeout),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive from %s: %w", r.ch.Name, err)
	}

	batch := make([]*transport.Envelope, 0, len(out.Messages))
	for _, msg := range out.Messages {
		batch = append(batch, toEnvelope(msg))
	}
	return batch, nil
}

func toEnvelope(msg types.Message) *transport.Envelope {
	values := attributeValues(msg.MessageAttributes)
	messageType := values[transport.HeaderMessageType]
	id := values[idAttribute]
	if id == "" {
		id = awssdk.ToString(msg.MessageId)
	}
	delete(values, transport.HeaderMessageType)
	delete(values, idAttribute)

	count, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || count < 1 {
		count = 1
	}
	enqueued := time.Now()
	if ms, err := strconv.ParseInt(msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		enqueued = time.UnixMilli(ms)
	}

	return &transport.Envelope{
		ID:              id,
		MessageType:     messageType,
		Payload:         []byte(awssdk.ToString(msg.Body)),
		DeliveryCount:   count,
		Properties:      metadata.FromMap(values),
		RedeliveryToken: awssdk.ToString(msg.ReceiptHandle),
		EnqueuedAt:      enqueued,
	}
}

// Acknowledge deletes, releases or dead-letters the delivery.
func (r *receiver) Acknowledge(ctx context.Context, env *transport.Envelope, ack transport.Acknowledgment) error {
	url, err := r.t.queueURL(ctx, r.ch.Name, false)
	if err != nil {
		return err
	}

	switch ack.Outcome {
	case transport.OutcomeComplete:
		return r.delete(ctx, url, env)
	case transport.OutcomeDeadLetter:
		dlq, err := r.t.queueURL(ctx, r.ch.DeadLetterName(), false)
		if err != nil {
			return err
		}
		values := env.Properties.ToMap()
		values[transport.HeaderMessageType] = env.MessageType
		values[idAttribute] = env.ID
		values[transport.HeaderDeadLetterWhy] = ack.Reason
		values[transport.HeaderOriginChannel] = r.ch.Name
		values[transport.HeaderDeliveryCount] = strconv.Itoa(env.DeliveryCount)
		if _, err := r.t.send(ctx, dlq, env.Payload, values); err != nil {
			return fmt.Errorf("dead-letter %s: %w", env.ID, err)
		}
		return r.delete(ctx, url, env)
	default:
		// Visible again at once; the receive count grows on the next delivery.
		_, err := r.t.client.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
			QueueUrl:          awssdk.String(url),
			ReceiptHandle:     awssdk.String(env.RedeliveryToken),
			VisibilityTimeout: 0,
		})
		if err != nil {
			return fmt.Errorf("release %s: %w", env.ID, err)
		}
		return nil
	}
}

func (r *receiver) delete(ctx context.Context, url string, env *transport.Envelope) error {
	_, err := r.t.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      awssdk.String(url),
		ReceiptHandle: awssdk.String(env.RedeliveryToken),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", env.ID, err)
	}
	return nil
}

// Lease returns a lease that extends the delivery's visibility timeout.
func (r *receiver) Lease(env *transport.Envelope, timeout time.Duration) lease.Lease {
	if timeout <= 0 {
		timeout = r.lockTimeout
	}
	return &visibilityLease{r: r, env: env, timeout: timeout}
}

type visibilityLease struct {
	r       *receiver
	env     *transport.Envelope
	timeout time.Duration
}

func (l *visibilityLease) Renew(ctx context.Context) (bool, error) {
	url, err := l.r.t.queueURL(ctx, l.r.ch.Name, false)
	if err != nil {
		return false, err
	}
	_, err = l.r.t.client.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          awssdk.String(url),
		ReceiptHandle:     awssdk.String(l.env.RedeliveryToken),
		VisibilityTimeout: visibilitySeconds(l.timeout),
	})
	if isLostReceipt(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release is a no-op; the acknowledgment settles the delivery.
func (l *visibilityLease) Release(ctx context.Context) error { return nil }

func (l *visibilityLease) String() string {
	return "sqs:" + l.r.ch.Name + "/" + l.env.ID
}

// isLostReceipt reports errors meaning the receipt handle no longer owns the
// message.
func isLostReceipt(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ReceiptHandleIsInvalid", "InvalidParameterValue", "MessageNotInflight":
		return true
	}
	return false
}

func visibilitySeconds(d time.Duration) int32 {
	if d > maxVisibility {
		d = maxVisibility
	}
	secs := int32(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SQS accepts at most maxAttributes message attributes. Past that, every
// non-reserved property is folded into one JSON attribute.
const (
	maxAttributes       = 10
	propertiesAttribute = "relayflow_properties"
)

var reservedAttributes = map[string]bool{
	transport.HeaderMessageType:   true,
	idAttribute:                   true,
	transport.HeaderDeadLetterWhy: true,
	transport.HeaderOriginChannel: true,
	transport.HeaderDeliveryCount: true,
}

func encodeAttributes(values map[string]string) (map[string]types.MessageAttributeValue, error) {
	attrs := make(map[string]types.MessageAttributeValue, len(values))
	folded := map[string]string{}
	for k, v := range values {
		if v != "" {
			folded[k] = v
		}
	}
	if len(folded) > maxAttributes {
		for k, v := range folded {
			if reservedAttributes[k] {
				attrs[k] = stringAttribute(v)
				delete(folded, k)
			}
		}
		raw, err := serialization.Marshal(folded)
		if err != nil {
			return nil, fmt.Errorf("encode message properties: %w", err)
		}
		attrs[propertiesAttribute] = stringAttribute(string(raw))
		return attrs, nil
	}
	for k, v := range folded {
		attrs[k] = stringAttribute(v)
	}
	return attrs, nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: awssdk.String("String"), StringValue: awssdk.String(v)}
}

// attributeValues flattens message attributes, unfolding folded properties.
// Attributes set individually win over folded ones.
func attributeValues(attrs map[string]types.MessageAttributeValue) map[string]string {
	values := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			values[k] = *v.StringValue
		}
	}
	raw, ok := values[propertiesAttribute]
	if !ok {
		return values
	}
	var folded map[string]string
	if err := serialization.Unmarshal([]byte(raw), &folded); err != nil {
		return values
	}
	delete(values, propertiesAttribute)
	for k, v := range folded {
		if _, set := values[k]; !set {
			values[k] = v
		}
	}
	return values
}

var (
	_ transport.Transport         = (*Transport)(nil)
	_ transport.DLQManager        = (*Transport)(nil)
	_ transport.QueueIntrospector = (*Transport)(nil)
	_ transport.Provisioner       = (*receiver)(nil)
	_ transport.LeaseProvider     = (*receiver)(nil)
)
