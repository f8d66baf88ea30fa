package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
)

func newTestBus(t *testing.T) (*redis.Client, *Publisher) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, NewPublisher(client, "voxstack-test", zap.NewNop())
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(config.RedisConfig{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()).Err())

	_, err = NewRedisClient(config.RedisConfig{URL: "not-a-url"})
	assert.Error(t, err)
}

func TestPublishAppendsToStream(t *testing.T) {
	client, pub := newTestBus(t)
	ctx := context.Background()

	err := pub.Publish(ctx, Event{
		Type:    TypeServiceReady,
		Service: "stt",
		Data:    map[string]interface{}{"attempts": 3},
	})
	require.NoError(t, err)

	msgs, err := client.XRange(ctx, Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.Equal(t, string(TypeServiceReady), msgs[0].Values["event_type"])

	var event Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "voxstack-test", event.Source)
	assert.Equal(t, "stt", event.Service)
	assert.False(t, event.Timestamp.IsZero())
}

func TestPublishScaleRoundTrip(t *testing.T) {
	client, pub := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, pub.PublishScale(ctx, "stt", 3))

	msgs, err := client.XRange(ctx, Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	event, ok := decodeMessage(msgs[0])
	require.True(t, ok)

	replicas, ok := event.ScaleReplicas()
	require.True(t, ok)
	assert.Equal(t, 3, replicas)
	assert.Equal(t, "stt", event.Service)
}

func TestScaleReplicas(t *testing.T) {
	scale := Event{Type: TypeScale, Data: map[string]interface{}{"replicas": float64(4)}}
	n, ok := scale.ScaleReplicas()
	assert.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = Event{Type: TypeServiceReady}.ScaleReplicas()
	assert.False(t, ok)

	_, ok = Event{Type: TypeScale, Data: map[string]interface{}{"replicas": "three"}}.ScaleReplicas()
	assert.False(t, ok)
}

func TestSubscriberReceivesNewEvents(t *testing.T) {
	client, pub := newTestBus(t)

	// Published before subscribing; must not be replayed.
	require.NoError(t, pub.PublishScale(context.Background(), "stt", 1))

	received := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(client, zap.NewNop())
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(e Event) { received <- e })
	}()

	// Give the subscriber a moment to record the stream tail.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, pub.PublishScale(context.Background(), "stt", 2))
	require.NoError(t, pub.PublishScale(context.Background(), "tts", 3))

	var got []Event
	for len(got) < 2 {
		select {
		case e := <-received:
			got = append(got, e)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, received %d of 2 events", len(got))
		}
	}

	first, _ := got[0].ScaleReplicas()
	second, _ := got[1].ScaleReplicas()
	assert.Equal(t, "stt", got[0].Service)
	assert.Equal(t, 2, first)
	assert.Equal(t, "tts", got[1].Service)
	assert.Equal(t, 3, second)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop on cancellation")
	}
}
