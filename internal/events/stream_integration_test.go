package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func newContainerClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := testredis.Run(ctx,
		"redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opt, err := redis.ParseURL(connStr)
	require.NoError(t, err)

	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// The subscriber starts at the stream tail and must see everything
// published afterwards, in order, against a real server.
func TestSubscriberDeliversPublishedEvents(t *testing.T) {
	client := newContainerClient(t)

	pub := NewPublisher(client, "voxstack-test", zap.NewNop())
	sub := NewSubscriber(client, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	go func() {
		_ = sub.Run(ctx, func(e Event) {
			mu.Lock()
			got = append(got, e)
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
		})
	}()

	// Give the subscriber time to resolve the tail before publishing.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, pub.Publish(ctx, Event{Type: TypeRunStarted}))
	require.NoError(t, pub.PublishScale(ctx, "stt", 3))
	require.NoError(t, pub.Publish(ctx, Event{Type: TypeRunFinished}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscriber did not deliver all events")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, TypeRunStarted, got[0].Type)
	assert.Equal(t, TypeScale, got[1].Type)
	assert.Equal(t, "stt", got[1].Service)
	replicas, ok := got[1].ScaleReplicas()
	assert.True(t, ok)
	assert.Equal(t, 3, replicas)
	assert.Equal(t, TypeRunFinished, got[2].Type)
}
