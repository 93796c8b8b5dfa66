package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs, mr
}

func TestTakeSendNeverOvershoots(t *testing.T) {
	rs, mr := newTestRedis(t)
	ctx := context.Background()
	const limit = 5

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := rs.TakeSend(ctx, "AX-U-CN-1001", limit, time.Minute)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, limit, granted.Load())

	// the window starts with the first send and is not pushed back
	assert.Equal(t, time.Minute, mr.TTL(sendLimitKey("AX-U-CN-1001")))

	mr.FastForward(time.Minute + time.Second)
	ok, err := rs.TakeSend(ctx, "AX-U-CN-1001", limit, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts after expiry")

	ok, err = rs.TakeSend(ctx, "AX-S-CN-2002", limit, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "budgets are per agent")
}

func TestPresence(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rs.MarkOnline(ctx, "AX-U-CN-1001"))
	require.NoError(t, rs.MarkOnline(ctx, "AX-S-CN-2002"))
	require.NoError(t, rs.MarkOnline(ctx, "AX-U-CN-1001"))
	n, err := rs.OnlineCount(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, rs.MarkOffline(ctx, "AX-S-CN-2002"))
	n, err = rs.OnlineCount(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPublishSubscribe(t *testing.T) {
	rs, _ := newTestRedis(t)
	ctx := context.Background()

	sub := rs.Subscribe(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, rs.Publish(ctx, []byte(`{"type":"message"}`)))
	select {
	case msg := <-sub.Channel():
		assert.Equal(t, EventsChannel, msg.Channel)
		assert.JSONEq(t, `{"type":"message"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
