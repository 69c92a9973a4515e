package asynciter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapUnorderedRespectsConcurrencyAndCollectsAll(t *testing.T) {
	var inFlight, maxInFlight int64
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	out := MapUnordered(context.Background(), items, 4, func(ctx context.Context, i int) (int, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			cur := atomic.LoadInt64(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt64(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return i * i, nil
	})

	seen := make(map[int]bool)
	count := 0
	for r := range out {
		require.NoError(t, r.Err)
		seen[r.Value] = true
		count++
	}
	assert.Equal(t, len(items), count)
	for _, i := range items {
		assert.True(t, seen[i*i], "missing result for %d", i)
	}
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(4))
}

func TestMapUnorderedDefaultsConcurrencyToOne(t *testing.T) {
	out := MapUnordered(context.Background(), []int{1, 2, 3}, 0, func(ctx context.Context, i int) (int, error) {
		return i, nil
	})
	n := 0
	for range out {
		n++
	}
	assert.Equal(t, 3, n)
}

func TestRaceReturnsFirstAvailable(t *testing.T) {
	a := make(chan int, 1)
	b := make(chan int)
	a <- 42
	got := <-Race(a, b)
	assert.Equal(t, 42, got)
}

func TestZipStopOnFirstDone(t *testing.T) {
	a := make(chan int)
	b := make(chan int)
	go func() {
		a <- 1
		close(a)
	}()
	go func() {
		defer close(b)
		for i := 0; i < 1000; i++ {
			select {
			case b <- 2:
			case <-time.After(100 * time.Millisecond):
				return
			}
		}
	}()

	out := Zip(context.Background(), a, b, StopOnFirstDone)
	var got []int
	for v := range out {
		got = append(got, v)
	}
	assert.Contains(t, got, 1)
}

func TestZipDrainBothYieldsUnion(t *testing.T) {
	a := make(chan int, 2)
	b := make(chan int, 2)
	a <- 1
	a <- 2
	close(a)
	b <- 3
	b <- 4
	close(b)

	out := Zip(context.Background(), a, b, DrainBoth)
	var got []int
	for v := range out {
		got = append(got, v)
	}
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, got)
}
