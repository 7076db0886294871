// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package dispatch

import "sync"

// Queue is a bounded FIFO with blocking push and pop. Close cancels the
// queue: blocked producers and consumers unblock and queued values are
// dropped.
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	items    []T
	max      int
	closed   bool
}

// NewQueue returns a queue holding at most max values. max < 1 counts as 1.
func NewQueue[T any](max int) *Queue[T] {
	if max < 1 {
		max = 1
	}
	q := &Queue[T]{max: max}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends v, blocking while the queue is full. It reports false once
// the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) >= q.max && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// Pop removes the oldest value, blocking while the queue is empty.
// It reports false once the queue is closed.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if q.closed {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, true
}

// Flush drops everything queued without delivering it.
func (q *Queue[T]) Flush() {
	q.mu.Lock()
	q.items = nil
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close cancels the queue. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}

// Worker drains a queue into a handler on one consumer goroutine, giving
// callers the same one-at-a-time model the dispatcher provides.
type Worker[T any] struct {
	queue   *Queue[T]
	handler func(T)
	wg      sync.WaitGroup
}

// NewWorker returns a worker around a fresh queue of the given size.
func NewWorker[T any](size int, handler func(T)) *Worker[T] {
	return &Worker[T]{queue: NewQueue[T](size), handler: handler}
}

// Start launches the consumer goroutine.
func (w *Worker[T]) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			v, ok := w.queue.Pop()
			if !ok {
				return
			}
			w.handler(v)
		}
	}()
}

// Push enqueues v for the consumer, blocking while the queue is full.
// It reports false once the worker is stopped.
func (w *Worker[T]) Push(v T) bool {
	return w.queue.Push(v)
}

// Flush drops queued values that the consumer has not reached yet.
func (w *Worker[T]) Flush() {
	w.queue.Flush()
}

// Stop cancels the queue and waits for the consumer to finish the value
// it is handling.
func (w *Worker[T]) Stop() {
	w.queue.Close()
	w.wg.Wait()
}
