package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPubSub_LocalBridge(t *testing.T) {
	ps, err := NewPubSub(CacheConfig{LocalPubSubBuf: 8})
	require.NoError(t, err)

	ctx := context.Background()
	ch, cancel, err := ps.Subscribe(ctx, "inventory:1")
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, "inventory:1", `{"type":"item_moved"}`))

	select {
	case msg := <-ch:
		assert.Equal(t, &Message{Channel: "inventory:1", Payload: `{"type":"item_moved"}`}, msg)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestNewPubSub_ContextEndsSubscription(t *testing.T) {
	ps, err := NewPubSub(CacheConfig{LocalPubSubBuf: 1})
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	ch, _, err := ps.Subscribe(ctx, "inventory:2")
	require.NoError(t, err)

	// Fill the bridge buffer so the relay goroutine blocks, then cancel.
	require.NoError(t, ps.Publish(context.Background(), "inventory:2", "a"))
	require.NoError(t, ps.Publish(context.Background(), "inventory:2", "b"))
	time.Sleep(20 * time.Millisecond)
	stop()

	assert.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-ch:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestNewCache_Local(t *testing.T) {
	c, err := NewCache(CacheConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, SessionKey("tok"), "7", time.Minute))
	v, err := c.Get(ctx, SessionKey("tok"))
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	for i := 0; i < HistoryLen+5; i++ {
		require.NoError(t, c.PushCapped(ctx, HistoryKey(9), "e", HistoryLen))
	}
	entries, err := c.LRange(ctx, HistoryKey(9), 0, -1)
	require.NoError(t, err)
	assert.Len(t, entries, HistoryLen)
}
