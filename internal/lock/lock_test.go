package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeyIsExclusive(t *testing.T) {
	k := New()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(ctx, "raffle-1", 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, k.Held())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	k := New()
	ctx := context.Background()

	releaseA, err := k.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := k.Acquire(ctx, "b", 10*time.Millisecond)
	require.NoError(t, err)
	releaseB()
}

func TestTimeout(t *testing.T) {
	k := New()
	ctx := context.Background()

	release, err := k.Acquire(ctx, "a", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = k.Acquire(ctx, "a", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	release()
	release() // second call is a no-op

	release, err = k.Acquire(ctx, "a", 20*time.Millisecond)
	require.NoError(t, err)
	release()
	assert.Equal(t, 0, k.Held())
}

func TestContextCancel(t *testing.T) {
	k := New()
	release, err := k.Acquire(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = k.Acquire(ctx, "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
