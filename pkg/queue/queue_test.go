package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDropOldest(t *testing.T) {
	q := NewBoundedQueue[int](3)
	for i := 1; i <= 5; i++ {
		require.True(t, q.Push(i))
	}
	require.Equal(t, 3, q.Size())
	require.Equal(t, uint64(2), q.DroppedCount())

	for _, expect := range []int{3, 4, 5} {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, expect, v)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestStop(t *testing.T) {
	q := NewBoundedQueue[int](4)
	q.Push(1)
	q.Stop()

	require.True(t, q.IsStopped())
	require.False(t, q.Push(2))

	// Items queued before the stop still drain
	v, ok := q.PopBlocking(time.Second)
	require.True(t, ok)
	require.Equal(t, 1, v)

	// Stop with empty queue returns immediately with nothing
	start := time.Now()
	_, ok = q.PopBlocking(5 * time.Second)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}

func TestStopWakesBlockedPopper(t *testing.T) {
	q := NewBoundedQueue[int](4)
	done := make(chan bool)
	go func() {
		_, ok := q.PopBlocking(10 * time.Second)
		require.False(t, ok)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	q.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not wake the blocked popper")
	}
}

func TestPopTimeout(t *testing.T) {
	q := NewBoundedQueue[int](4)
	start := time.Now()
	_, ok := q.PopBlocking(100 * time.Millisecond)
	require.False(t, ok)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestClearAndReset(t *testing.T) {
	q := NewBoundedQueue[int](2)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	require.Equal(t, uint64(1), q.DroppedCount())

	q.Clear()
	require.Equal(t, 0, q.Size())
	require.Equal(t, uint64(1), q.DroppedCount())

	q.Stop()
	q.Reset()
	require.False(t, q.IsStopped())
	require.Equal(t, uint64(0), q.DroppedCount())
	require.True(t, q.Push(9))
}

// pushed = popped + dropped + size at the end, under heavy MPMC load
func TestConservation(t *testing.T) {
	const producers = 4
	const consumers = 4
	const perProducer = 2000

	q := NewBoundedQueue[int](16)
	popped := atomic.Uint64{}

	var consumerWG sync.WaitGroup
	for i := 0; i < consumers; i++ {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			for {
				_, ok := q.PopBlocking(200 * time.Millisecond)
				if ok {
					popped.Add(1)
					continue
				}
				if q.IsStopped() {
					return
				}
			}
		}()
	}

	var producerWG sync.WaitGroup
	for i := 0; i < producers; i++ {
		producerWG.Add(1)
		go func(base int) {
			defer producerWG.Done()
			for j := 0; j < perProducer; j++ {
				require.True(t, q.Push(base+j))
			}
		}(i * perProducer)
	}
	producerWG.Wait()

	// Let the consumers drain what's left, then stop them
	for q.Size() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	q.Stop()
	consumerWG.Wait()

	total := popped.Load() + q.DroppedCount() + uint64(q.Size())
	require.Equal(t, uint64(producers*perProducer), total)
}

func TestFIFOOrderSingleConsumer(t *testing.T) {
	q := NewBoundedQueue[int](100)
	for i := 0; i < 50; i++ {
		q.Push(i)
	}
	prev := -1
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		require.Greater(t, v, prev)
		prev = v
	}
}
