package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "action:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "action:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "action:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "different keys do not contend")

	release()
	release()

	_, ok, err = l.TryLock(ctx, "action:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker_Expiry(t *testing.T) {
	l := NewLocalLocker()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, ok, err := l.TryLock(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok, err = l.TryLock(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The expired holder must not release the new holder's lock.
	stale()
	_, ok, err = l.TryLock(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalLocker_ConcurrentSingleWinner(t *testing.T) {
	l := NewLocalLocker()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := l.TryLock(context.Background(), "hot", time.Minute)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("AUTOPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUTOPILOT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	l := NewRedisLocker(client, "autopilot-test:"+uuid.New().String()+":", nil)
	defer l.Close()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "action:1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "action:1", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = l.TryLock(ctx, "action:1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
