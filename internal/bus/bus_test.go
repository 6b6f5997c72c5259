package bus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var mu sync.Mutex
	var got []Event
	b.Subscribe(ctx, TopicIndexProgress, func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	b.Publish(TopicIndexProgress, "one")
	b.Publish(TopicIndexProgress, "two")
	b.Publish(TopicQueryLogged, "other topic")
	require.NoError(t, b.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Payload)
	assert.Equal(t, "two", got[1].Payload)
	assert.Equal(t, TopicIndexProgress, got[0].Topic)
	assert.False(t, got[0].Time.IsZero())
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int
	b.Subscribe(ctx, "t", func(_ context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 20; i++ {
		b.Publish("t", i)
	}
	require.NoError(t, b.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewMemoryBus(WithQueueDepth(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []any
	b.Subscribe(ctx, "t", func(_ context.Context, ev Event) error {
		<-release
		mu.Lock()
		got = append(got, ev.Payload)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 10; i++ {
		b.Publish("t", i)
	}
	close(release)
	require.NoError(t, b.Close(context.Background()))

	assert.Positive(t, b.Dropped())
	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, got)
	assert.Less(t, len(got), 10)
}

func TestHandlerErrorsDoNotPropagate(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	b.Subscribe(ctx, "t", func(_ context.Context, _ Event) error {
		return fmt.Errorf("handler broke")
	})
	b.Subscribe(ctx, "t", func(_ context.Context, _ Event) error {
		panic("handler panicked")
	})

	b.Publish("t", 1)
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, int64(2), b.HandlerErrors())
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close(context.Background()))
	b.Publish("t", 1)
	require.NoError(t, b.Close(context.Background()))
}

func TestSubscribeUnregistersOnContextCancel(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	delivered := make(chan struct{}, 1)
	b.Subscribe(ctx, "t", func(_ context.Context, _ Event) error {
		delivered <- struct{}{}
		return nil
	})

	b.Publish("t", 1)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	require.NoError(t, b.Close(context.Background()))
}

func TestCloseDeadline(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := make(chan struct{})
	b.Subscribe(ctx, "t", func(_ context.Context, _ Event) error {
		<-blocked
		return nil
	})
	b.Publish("t", 1)
	time.Sleep(10 * time.Millisecond)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer shortCancel()
	err := b.Close(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(blocked)
}

func TestLoggingBusWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	inner := NewMemoryBus()
	lb, err := NewLoggingBus(inner, path, 10, 2)
	require.NoError(t, err)

	lb.Publish(TopicVersionPromoted, map[string]string{"store": "default", "version": "v2"})
	require.NoError(t, lb.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"topic":"version.promoted"`)
	assert.Contains(t, string(data), `"v2"`)
}
