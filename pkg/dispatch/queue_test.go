package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](8)
	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())
	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestQueuePushBlocksWhenFull(t *testing.T) {
	q := NewQueue[int](1)
	require.True(t, q.Push(1))

	pushed := make(chan bool, 1)
	go func() { pushed <- q.Push(2) }()

	select {
	case <-pushed:
		t.Fatal("push into a full queue did not block")
	case <-time.After(20 * time.Millisecond):
	}

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, <-pushed)
}

func TestQueueCloseUnblocks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	q := NewQueue[string](2)

	popped := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		popped <- ok
	}()

	q.Close()
	assert.False(t, <-popped)
	assert.False(t, q.Push("after close"))
	_, ok := q.Pop()
	assert.False(t, ok)
	q.Close() // idempotent
}

func TestQueueFlushDropsQueued(t *testing.T) {
	q := NewQueue[int](8)
	q.Push(1)
	q.Push(2)
	q.Flush()
	assert.Equal(t, 0, q.Len())
	q.Push(3)
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestWorkerDrainsSerialized(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	w := NewWorker[int](4, func(v int) {
		mu.Lock()
		got = append(got, v)
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
	})
	w.Start()

	for i := 0; i < 10; i++ {
		require.True(t, w.Push(i))
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue")
	}
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
