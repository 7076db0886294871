// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package dispatch provides the single-goroutine timer dispatcher and the
// bounded work queue that serialize all agent state changes.
package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handle identifies one scheduled callback. The zero Handle never matches
// anything, so cancelling it is a no-op.
type Handle uint64

type timerEntry struct {
	id    Handle
	due   time.Time
	seq   uint64
	fn    func()
	index int
}

// timerHeap orders entries by due time, then by schedule order, so that
// delay-0 callbacks keep FIFO semantics.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Dispatcher runs scheduled callbacks one at a time on a single goroutine.
// Every callback sees a consistent snapshot of dispatcher-owned state, so
// components that confine their state to the dispatcher need no locks.
// Callbacks must not block.
type Dispatcher struct {
	clock clockwork.Clock

	mu      sync.Mutex
	timers  timerHeap
	entries map[Handle]*timerEntry
	lastID  Handle
	lastSeq uint64

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewDispatcher returns a dispatcher driven by the given clock.
// A nil clock selects the real one.
func NewDispatcher(clock clockwork.Clock) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		clock:   clock,
		entries: make(map[Handle]*timerEntry),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run()
}

// Stop terminates the loop and waits for it to exit. Callbacks still
// pending are dropped, not run. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.quit) })
	if started {
		<-d.done
	}
}

// Schedule queues fn to run on the dispatcher after delay and returns a
// cancellation handle. Negative delays count as zero.
func (d *Dispatcher) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	d.mu.Lock()
	d.lastID++
	d.lastSeq++
	e := &timerEntry{
		id:  d.lastID,
		due: d.clock.Now().Add(delay),
		seq: d.lastSeq,
		fn:  fn,
	}
	d.entries[e.id] = e
	heap.Push(&d.timers, e)
	d.mu.Unlock()
	d.wakeUp()
	return e.id
}

// RunOnLoop queues fn to run on the dispatcher as soon as possible,
// after everything already queued.
func (d *Dispatcher) RunOnLoop(fn func()) {
	d.Schedule(0, fn)
}

// Cancel removes a scheduled callback. It is idempotent, safe from any
// goroutine, and a no-op if the callback already fired or is firing.
func (d *Dispatcher) Cancel(h Handle) {
	d.mu.Lock()
	if e, ok := d.entries[h]; ok {
		delete(d.entries, h)
		heap.Remove(&d.timers, e.index)
	}
	d.mu.Unlock()
	d.wakeUp()
}

// Len returns the number of callbacks waiting to fire.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Dispatcher) wakeUp() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		default:
		}

		d.mu.Lock()
		var fire *timerEntry
		wait := time.Duration(-1)
		if len(d.timers) > 0 {
			next := d.timers[0]
			now := d.clock.Now()
			if !next.due.After(now) {
				fire = heap.Pop(&d.timers).(*timerEntry)
				delete(d.entries, fire.id)
			} else {
				wait = next.due.Sub(now)
			}
		}
		d.mu.Unlock()

		if fire != nil {
			fire.fn()
			continue
		}
		if wait < 0 {
			select {
			case <-d.wake:
			case <-d.quit:
				return
			}
			continue
		}
		timer := d.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-d.wake:
			timer.Stop()
		case <-d.quit:
			timer.Stop()
			return
		}
	}
}
