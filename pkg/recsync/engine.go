// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package recsync walks sync requests across a local timeline source and
// uploads whatever the remote timeline is missing. Overlapping requests
// coalesce into one contiguous remote timeline; progress per request is
// monotonic and ends in exactly one terminal status.
package recsync

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// Status is the lifecycle state reported for one sync request.
type Status int

const (
	StatusPending Status = iota
	StatusDone
	StatusError
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusDone:
		return "DONE"
	case StatusError:
		return "ERROR"
	case StatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status ends the request.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// StatusFunc receives progress reports on the dispatcher goroutine.
// progress is 0..100 and non-decreasing; a terminal status arrives
// exactly once per request.
type StatusFunc func(progress int, status Status, req *Request)

const (
	DefaultStep            = 15 * time.Second
	DefaultMaxItemDuration = 10 * time.Minute
)

// Config tunes the engine.
type Config struct {
	// Step is the window size one step covers (and the pacing interval
	// for open-ended requests).
	Step time.Duration
	// MaxItemDuration is the oversized-item guard; items longer than
	// this are skipped as a broken source.
	MaxItemDuration time.Duration
	Clock           clockwork.Clock
	Log             *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.Step <= 0 {
		c.Step = DefaultStep
	}
	if c.MaxItemDuration <= 0 {
		c.MaxItemDuration = DefaultMaxItemDuration
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Request is one sync request walking the source timeline. All mutable
// fields are owned by the dispatcher; the canceled flag alone is shared
// with upload workers, which poll it between chunks.
type Request struct {
	ticket string
	begin  timeline.Time
	end    timeline.Time // null while the tail is open
	cb     StatusFunc

	curBegin timeline.Time
	curEnd   timeline.Time

	planned int
	done    int
	failed  int

	attached      bool
	processed     bool
	finished      bool
	finalReported bool
	canceled      atomic.Bool

	lastProcessed time.Time
	priorDelay    time.Duration
}

// Ticket returns the cancellation ticket the request was created with.
func (s *Request) Ticket() string { return s.ticket }

// Period returns the requested range; End is null while the tail is open.
func (s *Request) Period() timeline.Period {
	return timeline.Period{Begin: s.begin, End: s.end}
}

func (s *Request) requestPeriod() timeline.Period {
	return timeline.Period{Begin: s.begin, End: s.end}
}

// Counters returns (planned, done, failed). Dispatcher-context only, which
// makes it safe inside a StatusFunc.
func (s *Request) Counters() (planned, done, failed int) {
	return s.planned, s.done, s.failed
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	Active   int64 `json:"active"`
	Waiting  int64 `json:"waiting"`
	Done     int64 `json:"done"`
	Errors   int64 `json:"errors"`
	Canceled int64 `json:"canceled"`
}

// Engine drives every sync request on one dispatcher. It never blocks the
// dispatcher: both timelines must answer List from memory, and uploads run
// through StoreAsync on worker goroutines.
type Engine struct {
	src  timeline.Storage
	dst  timeline.Storage
	disp *dispatch.Dispatcher
	cfg  Config
	log  *slog.Logger

	// dispatcher-owned
	segs            []*Request
	waiting         map[*Request]dispatch.Handle
	canceledTickets map[string]struct{}
	loopPending     bool
	loopDue         time.Time
	loopTimer       dispatch.Handle
	stop            bool

	stopped atomic.Bool

	nActive   atomic.Int64
	nWaiting  atomic.Int64
	nDone     atomic.Int64
	nError    atomic.Int64
	nCanceled atomic.Int64
}

// NewEngine wires the engine to its source, destination, and dispatcher.
func NewEngine(src, dst timeline.Storage, disp *dispatch.Dispatcher, cfg Config) *Engine {
	cfg.fillDefaults()
	return &Engine{
		src:             src,
		dst:             dst,
		disp:            disp,
		cfg:             cfg,
		log:             cfg.Log,
		waiting:         make(map[*Request]dispatch.Handle),
		canceledTickets: make(map[string]struct{}),
	}
}

// Sync requests that [p.Begin, p.End) be present remotely. An open p keeps
// a live tail that advances until Finalize closes it. Stepping starts after
// delay. cb receives progress on the dispatcher goroutine; Sync may be
// called from any goroutine.
func (e *Engine) Sync(p timeline.Period, ticket string, delay time.Duration, cb StatusFunc) *Request {
	s := &Request{
		ticket:   ticket,
		begin:    p.Begin,
		end:      p.End,
		cb:       cb,
		curBegin: p.Begin,
	}
	e.disp.RunOnLoop(func() {
		if e.stop {
			return
		}
		if _, gone := e.canceledTickets[ticket]; gone {
			s.canceled.Store(true)
			e.report(s)
			return
		}
		e.setWindow(s)
		if delay <= 0 {
			e.attach(s)
			return
		}
		e.nWaiting.Add(1)
		h := e.disp.Schedule(delay, func() {
			delete(e.waiting, s)
			e.nWaiting.Add(-1)
			e.attach(s)
		})
		e.waiting[s] = h
	})
	return s
}

// Finalize closes an open request's tail at end. Once the walk reaches end
// the request goes terminal.
func (e *Engine) Finalize(s *Request, end timeline.Time) {
	e.disp.RunOnLoop(func() {
		if e.stop || s == nil || s.processed {
			return
		}
		s.end = end
		if !s.curEnd.IsNull() && s.curEnd.After(end) {
			s.curEnd = end
		}
		e.checkCloseOut(s)
		e.kick(0)
	})
}

// Cancel marks every request carrying ticket as canceled. Each reports
// terminal CANCELED; in-flight uploads observe the flag and abort. The
// ticket stays on record so late requests with it are refused.
func (e *Engine) Cancel(ticket string) {
	e.disp.RunOnLoop(func() {
		if e.stop {
			return
		}
		e.canceledTickets[ticket] = struct{}{}
		for s, h := range e.waiting {
			if s.ticket != ticket {
				continue
			}
			e.disp.Cancel(h)
			delete(e.waiting, s)
			e.nWaiting.Add(-1)
			s.canceled.Store(true)
			e.report(s)
		}
		for _, s := range e.segs {
			if s.ticket != ticket {
				continue
			}
			s.canceled.Store(true)
			e.report(s)
		}
		e.kick(0)
	})
}

// Stop drains the engine: scheduled starts are canceled, active requests
// are dropped without further reports, and in-flight upload callbacks
// become no-ops. Stop must run before the dispatcher itself stops.
func (e *Engine) Stop() {
	done := make(chan struct{})
	e.stopped.Store(true)
	e.disp.RunOnLoop(func() {
		e.stop = true
		if e.loopPending {
			e.disp.Cancel(e.loopTimer)
			e.loopPending = false
		}
		for s, h := range e.waiting {
			e.disp.Cancel(h)
			delete(e.waiting, s)
			e.nWaiting.Add(-1)
		}
		e.nActive.Store(0)
		e.segs = nil
		close(done)
	})
	<-done
}

// Stats returns engine activity counters; safe from any goroutine.
func (e *Engine) Stats() Stats {
	return Stats{
		Active:   e.nActive.Load(),
		Waiting:  e.nWaiting.Load(),
		Done:     e.nDone.Load(),
		Errors:   e.nError.Load(),
		Canceled: e.nCanceled.Load(),
	}
}

// --- dispatcher context below ---

func (e *Engine) attach(s *Request) {
	s.attached = true
	e.segs = append(e.segs, s)
	e.nActive.Add(1)
	e.kick(0)
}

// kick arms the stepping loop to run after d, keeping only the earliest
// pending due time.
func (e *Engine) kick(d time.Duration) {
	if e.stop {
		return
	}
	due := e.cfg.Clock.Now().Add(d)
	if e.loopPending {
		if !due.Before(e.loopDue) {
			return
		}
		e.disp.Cancel(e.loopTimer)
	}
	e.loopPending = true
	e.loopDue = due
	e.loopTimer = e.disp.Schedule(d, e.runLoop)
}

func (e *Engine) runLoop() {
	e.loopPending = false
	if e.stop {
		return
	}
	e.coalesce()
	e.purge()
	s := e.pick()
	if s == nil {
		return
	}
	e.kick(e.step(s))
}

// coalesce adjusts every pending request against the processed ones it
// overlaps: a range some processed request has already walked is counted
// as delivered and skipped. Runs to fixpoint.
func (e *Engine) coalesce() {
	for changed := true; changed; {
		changed = false
		for _, s := range e.segs {
			if s.processed || s.canceled.Load() {
				continue
			}
			for _, o := range e.segs {
				if o == s || !o.processed || o.canceled.Load() {
					continue
				}
				if !o.requestPeriod().Intersects(s.requestPeriod()) {
					continue
				}
				if !o.curBegin.After(s.curBegin) || o.begin.After(s.curBegin) {
					continue
				}
				s.curBegin = o.curBegin
				s.planned++
				s.done++
				e.setWindow(s)
				e.checkCloseOut(s)
				changed = true
				if s.processed {
					break
				}
			}
		}
	}
}

// purge drops canceled requests once reported. Processed requests stay on
// the list: their walked ranges are what later overlapping requests
// coalesce against. Stop clears the list wholesale.
func (e *Engine) purge() {
	kept := e.segs[:0]
	for _, s := range e.segs {
		if s.finalReported && s.canceled.Load() {
			continue
		}
		kept = append(kept, s)
	}
	e.segs = kept
}

// pick selects the request to step: earliest requested begin among the
// live ones, creation order breaking ties.
func (e *Engine) pick() *Request {
	var best *Request
	for _, s := range e.segs {
		if s.processed || s.canceled.Load() {
			continue
		}
		if best == nil || s.begin.Before(best.begin) {
			best = s
		}
	}
	return best
}

// step advances s by one window and returns the delay before the next
// loop run.
func (e *Engine) step(s *Request) time.Duration {
	now := e.cfg.Clock.Now()
	window := timeline.NewPeriod(s.curBegin, s.curEnd)

	remote, err := e.dst.List(context.Background(), window.Begin, window.End)
	if err != nil {
		// Without the remote view stepping could duplicate slices;
		// retry the same window later.
		e.log.Warn("remote list failed", "window", window, "err", err)
		return e.cfg.Step
	}
	if len(remote) > 0 {
		r := remote[0]
		if r.Period.Begin.After(s.curBegin) {
			// A remote slice sits mid-window: shrink to the gap in
			// front of it and upload that first.
			s.curEnd = r.Period.Begin
			return e.stepDelay(s, now, 0)
		}
		// The remote slice covers the window start; skip past it.
		if !r.Period.End.Before(s.curEnd) {
			// Full cover counts as delivered.
			s.planned++
			s.done++
		}
		s.curBegin = r.Period.End
		e.setWindow(s)
		e.checkCloseOut(s)
		return e.stepDelay(s, now, 0)
	}

	items, err := e.src.List(context.Background(), window.Begin, window.End)
	if err != nil {
		e.log.Warn("source list failed", "window", window, "err", err)
		items = nil
	}
	if len(items) == 0 {
		// Nothing recorded in this window; advance one step so an
		// empty source cannot stall the walk.
		s.curBegin = s.curEnd
		e.setWindow(s)
		e.checkCloseOut(s)
		return e.stepDelay(s, now, 0)
	}
	it := items[0]
	if it.Period.Duration() > e.cfg.MaxItemDuration {
		e.log.Warn("skipping oversized source item", "item", it.Period,
			"max", e.cfg.MaxItemDuration)
		s.curBegin = timeline.MaxOf(s.curEnd, it.Period.End)
		e.setWindow(s)
		e.checkCloseOut(s)
		return e.stepDelay(s, now, 0)
	}

	var overshoot time.Duration
	if it.Period.End.After(s.curEnd) {
		overshoot = it.Period.End.Sub(s.curEnd)
	}
	s.planned++
	e.issue(s, it)
	s.curBegin = it.Period.End
	e.setWindow(s)
	e.checkCloseOut(s)
	return e.stepDelay(s, now, overshoot)
}

// issue hands one chunk to the destination. Completion is posted back to
// the dispatcher; the canceled probe is shared with the transfer worker.
func (e *Engine) issue(s *Request, it *timeline.Item) {
	isCanceled := func() bool {
		return s.canceled.Load() || e.stopped.Load()
	}
	e.dst.StoreAsync(it, func(ok bool) {
		e.disp.RunOnLoop(func() {
			if e.stop {
				return
			}
			e.completeChunk(s, ok)
		})
	}, isCanceled)
}

func (e *Engine) completeChunk(s *Request, ok bool) {
	if ok {
		s.done++
	} else {
		s.failed++
	}
	s.finished = s.processed && s.done+s.failed == s.planned
	e.report(s)
	e.kick(0)
}

// setWindow recomputes cur_end from cur_begin, clamped to a closed end.
func (e *Engine) setWindow(s *Request) {
	s.curEnd = s.curBegin.Add(e.cfg.Step)
	if !s.end.IsNull() && s.curEnd.After(s.end) {
		s.curEnd = s.end
	}
}

// checkCloseOut marks the request processed once the walk has reached its
// closed end. With nothing ever planned the request terminates here.
func (e *Engine) checkCloseOut(s *Request) {
	if s.processed || s.end.IsNull() || s.curBegin.Before(s.end) {
		return
	}
	s.processed = true
	s.finished = s.done+s.failed == s.planned
	if s.finished {
		e.report(s)
	}
}

func (e *Engine) statusOf(s *Request) Status {
	switch {
	case s.canceled.Load():
		return StatusCanceled
	case s.finished && s.done >= 1:
		return StatusDone
	case s.finished:
		return StatusError
	default:
		return StatusPending
	}
}

func (e *Engine) progressOf(s *Request) int {
	if !s.processed {
		return 0
	}
	if s.planned == 0 {
		return 100
	}
	return 100 * (s.done + s.failed) / s.planned
}

// report pushes the current progress and status to the request callback.
// The first terminal report latches; later calls are no-ops.
func (e *Engine) report(s *Request) {
	if s.finalReported {
		return
	}
	st := e.statusOf(s)
	if st.Terminal() {
		s.finalReported = true
		if s.attached {
			e.nActive.Add(-1)
		}
		switch st {
		case StatusDone:
			e.nDone.Add(1)
		case StatusError:
			e.nError.Add(1)
		case StatusCanceled:
			e.nCanceled.Add(1)
		}
	}
	if s.cb != nil {
		s.cb(e.progressOf(s), st, s)
	}
}

// stepDelay computes the pause before the next loop run. Closed requests
// drain as fast as storage allows; open tails pace one step per step of
// wall time, stretched by any overshoot past the requested window.
func (e *Engine) stepDelay(s *Request, now time.Time, overshoot time.Duration) time.Duration {
	if !s.end.IsNull() {
		s.lastProcessed = now
		s.priorDelay = 0
		return 0
	}
	var elapsed time.Duration
	if !s.lastProcessed.IsZero() {
		elapsed = now.Sub(s.lastProcessed)
	}
	d := paceDelay(e.cfg.Step, elapsed, s.priorDelay, overshoot)
	s.lastProcessed = now
	s.priorDelay = d
	return d
}

// paceDelay keeps an open tail aligned with wall time: the time already
// burned since the last step (beyond the delay that was asked for) is
// credited against the next step.
func paceDelay(step, elapsed, prior, overshoot time.Duration) time.Duration {
	d := step - (elapsed - prior)
	if d < 0 {
		d = 0
	}
	return d + overshoot
}
