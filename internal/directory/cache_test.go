package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotSharesSingleFetch(t *testing.T) {
	slot := NewSlot[int](time.Minute)
	var fetches int32

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := slot.Get(context.Background(), func(context.Context) (int, error) {
				atomic.AddInt32(&fetches, 1)
				time.Sleep(50 * time.Millisecond)
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestSlotRespectsTTL(t *testing.T) {
	slot := NewSlot[int](50 * time.Millisecond)
	fetches := 0
	fetch := func(context.Context) (int, error) {
		fetches++
		return fetches, nil
	}

	v, err := slot.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = slot.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "fresh value must be served from cache")

	time.Sleep(60 * time.Millisecond)
	v, err = slot.Get(context.Background(), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "expired value must be refetched")
}

func TestSlotDoesNotCacheErrors(t *testing.T) {
	slot := NewSlot[int](time.Minute)
	boom := errors.New("upstream down")
	calls := 0

	_, err := slot.Get(context.Background(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := slot.Get(context.Background(), func(context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, calls, "a failed fetch must not be memoized")
}

func TestSlotPeek(t *testing.T) {
	slot := NewSlot[string](time.Minute)

	_, ok := slot.Peek()
	assert.False(t, ok)

	_, err := slot.Get(context.Background(), func(context.Context) (string, error) {
		return "hello", nil
	})
	require.NoError(t, err)

	v, ok := slot.Peek()
	assert.True(t, ok)
	assert.Equal(t, "hello", v)
}
