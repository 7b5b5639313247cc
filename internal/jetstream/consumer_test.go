package jetstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aceteam-ai/streamworker/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedConsumer(t *testing.T, client *Client) *Consumer {
	t.Helper()
	consumer := client.Consumer()
	require.NoError(t, consumer.Connect(context.Background()))
	return consumer
}

func TestPublishAndConsume(t *testing.T) {
	client := runJetStream(t, Config{})
	ctx := context.Background()
	consumer := connectedConsumer(t, client)

	pub := client.Publisher()
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(ctx, []byte(fmt.Sprintf(`{"id":"job-%d"}`, i)))
		require.NoError(t, err)
	}

	batch, err := consumer.NextBatch(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, d := range batch {
		assert.Equal(t, fmt.Sprintf(`{"id":"job-%d"}`, i), string(d.Data))
		assert.Equal(t, uint64(1), d.DeliveryCount)
		assert.Equal(t, "test.email", d.Stream)
		assert.Equal(t, fmt.Sprint(i+1), d.MessageID)
		assert.False(t, d.CreatedAt.IsZero())
	}

	for _, d := range batch {
		require.NoError(t, consumer.Ack(ctx, d))
	}
	require.Eventually(t, func() bool {
		info, err := consumer.Info(ctx)
		return err == nil && info.Depth == 0
	}, 3*time.Second, 20*time.Millisecond)

	assert.Error(t, consumer.Ack(ctx, batch[0]), "second ack of the same delivery")
}

func TestNextBatchEmpty(t *testing.T) {
	client := runJetStream(t, Config{})
	consumer := connectedConsumer(t, client)

	batch, err := consumer.NextBatch(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)

	batch, err = consumer.NextBatch(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestNextBatchRespectsMax(t *testing.T) {
	client := runJetStream(t, Config{})
	ctx := context.Background()
	consumer := connectedConsumer(t, client)

	ids, err := client.Publisher().PublishBatch(ctx, [][]byte{[]byte(`{"id":"a"}`), []byte(`{"id":"b"}`), []byte(`{"id":"c"}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	batch, err := consumer.NextBatch(ctx, 2, time.Second)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestNextBatchAfterClose(t *testing.T) {
	client := runJetStream(t, Config{})
	consumer := connectedConsumer(t, client)

	require.NoError(t, consumer.Close())
	_, err := consumer.NextBatch(context.Background(), 1, 0)
	assert.ErrorIs(t, err, worker.ErrConsumerClosed)
}

func TestNakRedeliversWithCount(t *testing.T) {
	client := runJetStream(t, Config{})
	ctx := context.Background()
	consumer := connectedConsumer(t, client)

	_, err := client.Publisher().Publish(ctx, []byte(`{"id":"job-1"}`))
	require.NoError(t, err)

	batch, err := consumer.NextBatch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, consumer.Nak(ctx, batch[0], []byte(`ignored`), 0))

	again, err := consumer.NextBatch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, batch[0].MessageID, again[0].MessageID)
	assert.Equal(t, uint64(2), again[0].DeliveryCount)
	assert.Equal(t, `{"id":"job-1"}`, string(again[0].Data), "original bytes are redelivered")
}

func TestNakWithDelay(t *testing.T) {
	client := runJetStream(t, Config{})
	ctx := context.Background()
	consumer := connectedConsumer(t, client)

	_, err := client.Publisher().Publish(ctx, []byte(`{"id":"job-1"}`))
	require.NoError(t, err)

	batch, err := consumer.NextBatch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, consumer.Nak(ctx, batch[0], nil, 500*time.Millisecond))

	early, err := consumer.NextBatch(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, early, "redelivered before the nak delay")

	later, err := consumer.NextBatch(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, uint64(2), later[0].DeliveryCount)
}

func TestReleaseMakesMessageAvailable(t *testing.T) {
	client := runJetStream(t, Config{})
	ctx := context.Background()
	consumer := connectedConsumer(t, client)

	_, err := client.Publisher().Publish(ctx, []byte(`{"id":"job-1"}`))
	require.NoError(t, err)

	batch, err := consumer.NextBatch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, consumer.Release(ctx, batch[0]))

	again, err := consumer.NextBatch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, batch[0].MessageID, again[0].MessageID)
}

func TestInfo(t *testing.T) {
	client := runJetStream(t, Config{})
	ctx := context.Background()
	consumer := connectedConsumer(t, client)

	for i := 0; i < 3; i++ {
		_, err := client.Publisher().Publish(ctx, []byte(`{}`))
		require.NoError(t, err)
	}
	batch, err := consumer.NextBatch(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	info, err := consumer.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nats", info.Backend)
	assert.Equal(t, "TEST", info.Stream)
	assert.Equal(t, int64(3), info.Depth)
	assert.Equal(t, int64(1), info.Pending)
	assert.Equal(t, int64(2), info.Lag)
	assert.Equal(t, "TEST_DLQ", info.DLQStream)
	assert.Equal(t, int64(0), info.DLQDepth)
}
