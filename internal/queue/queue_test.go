package queue_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/queue"
)

func TestFIFOOrdering(t *testing.T) {
	q := queue.New[int](10, queue.Block)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestPopBlocksUntilStopAndDrained(t *testing.T) {
	q := queue.New[int](10, queue.Block)
	q.Push(1)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, ok := q.Pop()
		results[0] = ok
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, ok := q.Pop()
		results[1] = ok
	}()

	time.Sleep(5 * time.Millisecond)
	q.Stop()
	wg.Wait()

	// one of the two pops gets the queued item, the other sees stop+drained.
	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount)
}

func TestDropOldestEvictsUnderPressure(t *testing.T) {
	q := queue.New[int](2, queue.DropOldest)
	q.Push(1)
	q.Push(2)
	q.Push(3)
	assert.Equal(t, 2, q.Len())
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v) // 1 was dropped
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestBlockPolicyBlocksProducerUntilRoom(t *testing.T) {
	q := queue.New[int](1, queue.Block)
	q.Push(1)

	done := make(chan struct{})
	go func() {
		q.Push(2)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Push should have blocked while queue is full")
	case <-time.After(10 * time.Millisecond):
	}

	_, _ = q.Pop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after room was made")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	q := queue.New[int](1, queue.Block)
	q.Stop()
	q.Stop()
	q.Push(1) // silently discarded post-stop
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestTryPopOnEmptyReturnsFalse(t *testing.T) {
	q := queue.New[int](1, queue.Block)
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := queue.New[int](2, queue.Block)
	q.Push(42)
	v, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, q.Len())
}
