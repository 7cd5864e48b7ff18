package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextualhq/eventcore/internal/schema"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func TestSubscribe_SuccessfulHandlerAcks(t *testing.T) {
	b, client := newTestBus(t)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		assert.Equal(t, schema.TypeUserLogin, d.Envelope.Type)
		assert.Equal(t, int64(1), d.DeliveryCount)
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish(context.Background(), loginEnvelope())
	require.NoError(t, err)

	waitFor(t, func() bool {
		summary, _ := client.Summary(context.Background(), schema.StreamUser, "test.g")
		return calls.Load() == 1 && summary.Total == 0
	}, "entry should be handled and acked")

	_, delivered, acked, deadLettered := b.Stats()
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, int64(1), acked)
	assert.Zero(t, deadLettered)
}

func TestSubscribe_FilterTypesAcksForeignTypes(t *testing.T) {
	b, client := newTestBus(t)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1", FilterTypes: []string{schema.TypeUserRegistered}})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish(context.Background(), loginEnvelope())
	require.NoError(t, err)

	waitFor(t, func() bool {
		summary, _ := client.Summary(context.Background(), schema.StreamUser, "test.g")
		return summary.Total == 0
	}, "filtered entry should be acked without dispatch")
	assert.Zero(t, calls.Load())
}

func TestSubscribe_RetryExhaustionDeadLetters(t *testing.T) {
	b, client := newTestBus(t)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Retry("downstream unavailable")
	}, SubscribeOptions{ConsumerName: "c-1"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	env := loginEnvelope()
	_, err = b.Publish(context.Background(), env)
	require.NoError(t, err)

	dead := schema.DeadStream(schema.StreamUser)
	waitFor(t, func() bool {
		return len(client.entriesOf(dead)) == 1
	}, "entry should be dead-lettered after the delivery budget")

	// Exactly MaxRetries deliveries, then the origin entry is acked.
	assert.Equal(t, int64(3), calls.Load())
	waitFor(t, func() bool {
		summary, _ := client.Summary(context.Background(), schema.StreamUser, "test.g")
		return summary.Total == 0
	}, "dead-lettered entry should be acked on the origin")

	entries := client.entriesOf(dead)
	deadEnv, err := schema.Decode(entries[0].Values)
	require.NoError(t, err)
	assert.Equal(t, env.ID, deadEnv.ID)
	assert.Equal(t, ReasonRetryExhausted, deadEnv.Metadata["failure_reason"])
	assert.Equal(t, "downstream unavailable", deadEnv.Metadata["last_error"])
	assert.Equal(t, "test.g", deadEnv.Metadata["original_group"])
	assert.NotEmpty(t, deadEnv.Metadata["original_entry_id"])

	_, _, _, deadLettered := b.Stats()
	assert.Equal(t, int64(1), deadLettered)
}

func TestSubscribe_FatalDeadLettersImmediately(t *testing.T) {
	b, client := newTestBus(t)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Fatal("malformed reference")
	}, SubscribeOptions{ConsumerName: "c-1"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish(context.Background(), loginEnvelope())
	require.NoError(t, err)

	dead := schema.DeadStream(schema.StreamUser)
	waitFor(t, func() bool {
		return len(client.entriesOf(dead)) == 1
	}, "fatal result should dead-letter on first delivery")
	assert.Equal(t, int64(1), calls.Load())

	deadEnv, err := schema.Decode(client.entriesOf(dead)[0].Values)
	require.NoError(t, err)
	assert.Equal(t, ReasonHandlerFatal, deadEnv.Metadata["failure_reason"])
}

func TestSubscribe_UndecodableEntryDeadLetters(t *testing.T) {
	b, client := newTestBus(t)

	_, err := client.Append(context.Background(), schema.StreamUser,
		map[string]string{"garbage": "yes"}, 0)
	require.NoError(t, err)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	dead := schema.DeadStream(schema.StreamUser)
	waitFor(t, func() bool {
		return len(client.entriesOf(dead)) == 1
	}, "undecodable entry should be dead-lettered")
	assert.Zero(t, calls.Load())

	// The raw values survive alongside the failure metadata.
	values := client.entriesOf(dead)[0].Values
	assert.Equal(t, "yes", values["garbage"])
	assert.Contains(t, values["metadata"], ReasonInvalidEnvelope)
}

func TestSubscribe_UnknownTypeDeadLetters(t *testing.T) {
	b, client := newTestBus(t)

	env := schema.Envelope{
		ID:        "e-1",
		Stream:    schema.StreamUser,
		Type:      "ghost.type",
		Version:   1,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{},
	}
	values, err := schema.Encode(env)
	require.NoError(t, err)
	_, err = client.Append(context.Background(), schema.StreamUser, values, 0)
	require.NoError(t, err)

	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	dead := schema.DeadStream(schema.StreamUser)
	waitFor(t, func() bool {
		return len(client.entriesOf(dead)) == 1
	}, "unknown type should be dead-lettered")

	deadEnv, err := schema.Decode(client.entriesOf(dead)[0].Values)
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownType, deadEnv.Metadata["failure_reason"])
}

func TestSubscribe_RecoversOwnPendingOnStart(t *testing.T) {
	b, client := newTestBus(t)
	ctx := context.Background()

	// A previous process read the entry but died before acking.
	_, err := b.Publish(ctx, loginEnvelope())
	require.NoError(t, err)
	require.NoError(t, client.EnsureGroup(ctx, schema.StreamUser, "test.g", "0"))
	read, err := client.ReadGroup(ctx, schema.StreamUser, "test.g", "c-fixed", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, read, 1)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		// Recovery delivers with the accumulated count plus one.
		assert.GreaterOrEqual(t, d.DeliveryCount, int64(2))
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-fixed"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	waitFor(t, func() bool {
		summary, _ := client.Summary(ctx, schema.StreamUser, "test.g")
		return calls.Load() >= 1 && summary.Total == 0
	}, "pending entry should be recovered and acked")
}

func TestSubscribe_ClaimsStaleEntriesFromDeadConsumer(t *testing.T) {
	b, client := newTestBus(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, loginEnvelope())
	require.NoError(t, err)
	require.NoError(t, client.EnsureGroup(ctx, schema.StreamUser, "test.g", "0"))
	read, err := client.ReadGroup(ctx, schema.StreamUser, "test.g", "ghost", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, read, 1)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-2"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	waitFor(t, func() bool {
		summary, _ := client.Summary(ctx, schema.StreamUser, "test.g")
		return calls.Load() >= 1 && summary.Total == 0
	}, "stale entry should be claimed and handled")
}

func TestSubscribe_GateClosedPausesDelivery(t *testing.T) {
	b, client := newTestBus(t)

	var open atomic.Bool
	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1", Gate: open.Load})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish(context.Background(), loginEnvelope())
	require.NoError(t, err)

	// Several claim intervals pass with the gate closed: nothing is read,
	// nothing delivered, nothing dead-lettered.
	time.Sleep(10 * testConfig().ClaimIdleTime)
	assert.Zero(t, calls.Load())
	assert.Empty(t, client.entriesOf(schema.DeadStream(schema.StreamUser)))
	summary, err := client.Summary(context.Background(), schema.StreamUser, "test.g")
	require.NoError(t, err)
	assert.Zero(t, summary.Total, "gated entry must stay in the backlog, not pending")

	open.Store(true)
	waitFor(t, func() bool {
		summary, _ := client.Summary(context.Background(), schema.StreamUser, "test.g")
		return calls.Load() == 1 && summary.Total == 0
	}, "entry should be delivered and acked once the gate opens")
}

func TestSubscribe_BackpressureOutlivesRetryBudget(t *testing.T) {
	b, client := newTestBus(t)

	// Decline for well past MaxRetries deliveries, then accept.
	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		if calls.Add(1) <= 5 {
			return Backpressure("ready set saturated")
		}
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1"})
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	_, err = b.Publish(context.Background(), loginEnvelope())
	require.NoError(t, err)

	waitFor(t, func() bool {
		summary, _ := client.Summary(context.Background(), schema.StreamUser, "test.g")
		return calls.Load() >= 6 && summary.Total == 0
	}, "entry should survive repeated backpressure and finally ack")
	assert.Empty(t, client.entriesOf(schema.DeadStream(schema.StreamUser)),
		"backpressure must never dead-letter")
	_, _, _, deadLettered := b.Stats()
	assert.Zero(t, deadLettered)
}

func TestSubscribe_NewOnlyEmptyStreamBlocksWithoutSpin(t *testing.T) {
	b, client := newTestBus(t)

	var calls atomic.Int64
	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		calls.Add(1)
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1", StartFrom: "$"})
	require.NoError(t, err)

	window := 12 * testConfig().BlockTime
	time.Sleep(window)
	b.Unsubscribe(sub)

	assert.Zero(t, calls.Load())
	// Each loop iteration blocks for BlockTime on the empty stream, so the
	// read count is bounded by the elapsed window (with slack), not a spin.
	maxReads := int64(window/testConfig().BlockTime) + 10
	assert.LessOrEqual(t, client.readGroupCalls(), maxReads)
}

func TestUnsubscribe_StopsConsumers(t *testing.T) {
	b, _ := newTestBus(t)

	sub, err := b.Subscribe(schema.StreamUser, "g", func(ctx context.Context, d Delivery) HandlerResult {
		return Ack()
	}, SubscribeOptions{ConsumerName: "c-1", Concurrency: 3})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.Unsubscribe(sub)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("unsubscribe did not return")
	}
	// Idempotent.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestHandlerResult(t *testing.T) {
	assert.False(t, Ack().Failed())
	assert.True(t, Retry("r").Failed())
	assert.True(t, Retry("r").Retryable())
	assert.Equal(t, "r", Retry("r").Reason())
	assert.True(t, Fatal("f").Failed())
	assert.False(t, Fatal("f").Retryable())
	assert.True(t, Backpressure("b").Backpressured())
	assert.False(t, Backpressure("b").Retryable())
	assert.Equal(t, "b", Backpressure("b").Reason())
}
