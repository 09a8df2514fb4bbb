package jetstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relayflow/internal/runtime/ids"
	"github.com/drblury/relayflow/internal/runtime/metadata"
	"github.com/drblury/relayflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsLease)
	assert.True(t, caps.SupportsDeliveryCount)
	assert.True(t, caps.SupportsTracing)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSJetStreamCapabilities, caps)
	assert.Equal(t, "nats-jetstream", caps.Name)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, -1, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultFetchWait, result.FetchWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			MaxDeliver:      5,
			AckWait:         time.Minute,
			FetchWait:       time.Second,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		result := cfg.withDefaults()

		assert.Equal(t, cfg, result)
	})
}

func TestStreamConfigRetention(t *testing.T) {
	for policy, want := range map[string]nats.RetentionPolicy{
		"":          nats.LimitsPolicy,
		"interest":  nats.InterestPolicy,
		"workqueue": nats.WorkQueuePolicy,
	} {
		tr := &Transport{config: Config{RetentionPolicy: policy}.withDefaults()}
		sc := tr.streamConfig()
		assert.Equal(t, want, sc.Retention, policy)
		assert.Equal(t, []string{"RELAYFLOW.>"}, sc.Subjects)
	}
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "consumer_orders_eu", consumerName(transport.Channel{Name: "orders.eu"}))
	assert.Equal(t, "billing", consumerName(transport.Channel{Name: "orders", Subscription: "billing"}))
}

func TestToEnvelope(t *testing.T) {
	msg := nats.NewMsg("RELAYFLOW.orders")
	msg.Data = []byte(`{"id":1}`)
	msg.Header.Set(transport.HeaderMessageType, "OrderPlaced")
	msg.Header.Set(HeaderMessageID, "01J0000000000000000000000")
	msg.Header.Set(metadata.AttachmentIDKey, "blob-1")
	msg.Header.Set("tenant", "acme")
	msg.Reply = "$JS.ACK.RELAYFLOW.consumer_orders.3.42.7.1700000000000000000.0"
	msg.Sub = &nats.Subscription{}

	env := toEnvelope(msg)
	assert.Equal(t, "01J0000000000000000000000", env.ID)
	assert.Equal(t, "OrderPlaced", env.MessageType)
	assert.Equal(t, 3, env.DeliveryCount)
	assert.Equal(t, "blob-1", env.Properties.AttachmentID)
	assert.Equal(t, "acme", env.Properties.Get("tenant"))
	assert.Empty(t, env.Properties.Get(transport.HeaderMessageType))
	assert.Equal(t, time.Unix(0, 1700000000000000000), env.EnqueuedAt)
	assert.NotEmpty(t, env.RedeliveryToken)
}

func TestToEnvelopeWithoutMetadata(t *testing.T) {
	msg := nats.NewMsg("RELAYFLOW.orders")
	env := toEnvelope(msg)
	assert.Equal(t, 1, env.DeliveryCount)
}

// natsTransport connects to the server named by NATS_URL.
func natsTransport(t *testing.T) *Transport {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	tr, err := New(Config{URL: url, StreamName: "RELAYFLOW_TEST_" + ids.CreateULID(), FetchWait: 500 * time.Millisecond}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tr.js.DeleteStream(tr.config.StreamName)
		_ = tr.Close()
	})
	return tr
}

func TestIntegrationRetryAndDeadLetter(t *testing.T) {
	tr := natsTransport(t)
	ctx := context.Background()
	ch := transport.Channel{Name: "orders", LockTimeout: 5 * time.Second}

	rcv, err := tr.Receiver(ctx, ch)
	require.NoError(t, err)
	require.NoError(t, rcv.(transport.Provisioner).Provision(ctx))

	id, err := tr.Send(ctx, "orders", "OrderPlaced", []byte("x"), metadata.New())
	require.NoError(t, err)

	batch, err := rcv.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)

	ok, err := rcv.(transport.LeaseProvider).Lease(batch[0], 0).Renew(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, rcv.Acknowledge(ctx, batch[0], transport.Acknowledgment{Outcome: transport.OutcomeRetry}))

	batch, err = rcv.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].DeliveryCount)

	require.NoError(t, rcv.Acknowledge(ctx, batch[0], transport.Acknowledgment{Outcome: transport.OutcomeDeadLetter, Reason: "poison"}))

	dead, err := tr.DeadLetterCount(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	replayed, err := tr.ReplayDeadLetters(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, int64(1), replayed)

	batch, err = rcv.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)
	require.NoError(t, rcv.Acknowledge(ctx, batch[0], transport.Acknowledgment{Outcome: transport.OutcomeComplete}))
}
