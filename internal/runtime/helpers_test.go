package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/relayflow/internal/runtime/config"
	"github.com/drblury/relayflow/internal/runtime/lease"
	loggingpkg "github.com/drblury/relayflow/internal/runtime/logging"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

type ackRecord struct {
	id  string
	ack transport.Acknowledgment
	// cancelled reports whether the context passed to Acknowledge was already done.
	cancelled bool
}

// recordingReceiver is a transport.Receiver that serves scripted batches and
// records every acknowledgment.
type recordingReceiver struct {
	mu      sync.Mutex
	batches [][]*transport.Envelope
	acks    []ackRecord
	ackErr  error
	fetches int
	closed  bool

	provisionErr error
	provisioned  bool
}

func (r *recordingReceiver) Fetch(ctx context.Context, max int) ([]*transport.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
	if len(r.batches) == 0 {
		return nil, nil
	}
	batch := r.batches[0]
	r.batches = r.batches[1:]
	if len(batch) > max {
		r.batches = append([][]*transport.Envelope{batch[max:]}, r.batches...)
		batch = batch[:max]
	}
	return batch, nil
}

func (r *recordingReceiver) Acknowledge(ctx context.Context, env *transport.Envelope, ack transport.Acknowledgment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, ackRecord{id: env.ID, ack: ack, cancelled: ctx.Err() != nil})
	return r.ackErr
}

func (r *recordingReceiver) Provision(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioned = true
	return r.provisionErr
}

func (r *recordingReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingReceiver) push(envs ...*transport.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, envs)
}

func (r *recordingReceiver) Acks() []ackRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ackRecord(nil), r.acks...)
}

func (r *recordingReceiver) outcomes() map[string]transport.Outcome {
	out := make(map[string]transport.Outcome)
	for _, a := range r.Acks() {
		out[a.id] = a.ack.Outcome
	}
	return out
}

func (r *recordingReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// leasingReceiver adds lease support to recordingReceiver.
type leasingReceiver struct {
	*recordingReceiver
	mu     sync.Mutex
	leases []*countingLease
}

func (r *leasingReceiver) Lease(env *transport.Envelope, timeout time.Duration) lease.Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &countingLease{id: env.ID}
	r.leases = append(r.leases, l)
	return l
}

func (r *leasingReceiver) Leases() []*countingLease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*countingLease(nil), r.leases...)
}

type countingLease struct {
	id       string
	mu       sync.Mutex
	renewals int
	releases int
}

func (l *countingLease) Renew(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renewals++
	return true, nil
}

func (l *countingLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *countingLease) String() string { return "message-lock/" + l.id }

func (l *countingLease) counts() (renewals, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals, l.releases
}

// stubTransport hands out a single prepared receiver.
type stubTransport struct {
	rcv     transport.Receiver
	openErr error
	closed  bool
}

func (t *stubTransport) Receiver(ctx context.Context, ch transport.Channel) (transport.Receiver, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	return t.rcv, nil
}

func (t *stubTransport) Capabilities() transport.Capabilities { return transport.MemoryCapabilities }

func (t *stubTransport) Close() error {
	t.closed = true
	return nil
}

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func newEnvelope(id, messageType, payload string) *transport.Envelope {
	return &transport.Envelope{
		ID:              id,
		MessageType:     messageType,
		Payload:         []byte(payload),
		DeliveryCount:   1,
		RedeliveryToken: "token-" + id,
		EnqueuedAt:      time.Now(),
	}
}

func withAttachment(env *transport.Envelope, attachmentID string) *transport.Envelope {
	env.Properties = metadata.New(metadata.AttachmentIDKey, attachmentID)
	return env
}

func testSettings() config.ProcessingSettings {
	return config.ProcessingSettings{
		MaxConcurrentCalls:      2,
		PrefetchCount:           4,
		MessageLockTimeout:      30 * time.Second,
		DeadLetterDeliveryLimit: 5,
	}
}

func fastOptions() ReceiverOptions {
	return ReceiverOptions{
		RenewInterval: time.Hour,
		GracePeriod:   time.Second,
		PollInterval:  5 * time.Millisecond,
	}
}

var errBoom = errors.New("boom")

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger is a ServiceLogger that keeps every entry, including those
// of its children.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) add(level, msg string, err error, fields loggingpkg.LogFields) {
	all := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: all})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.add("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.add("info", msg, nil, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.add("trace", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.add("error", msg, err, fields)
}

// find returns the first entry logged with msg.
func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}
