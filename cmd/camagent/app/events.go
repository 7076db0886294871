// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// Internal event names. Both are hidden from the cloud's event pages.
const (
	EventQoSReport    = "qos-report"
	EventTimelineSync = "timeline-sync"
)

// continuationTick is the heartbeat interval for active stateful events.
const continuationTick = 10 * time.Second

const eventQueueSize = 1024

// EventCaps are the immutable capabilities an event is declared with.
// Declarations can toggle flags later; they can never change caps.
type EventCaps struct {
	Trigger        bool // fires as a one-shot
	Stateful       bool // carries an active flag, start/stop alternate
	Stream         bool // may request recording sync
	Snapshot       bool // may attach a snapshot
	Periodic       bool // fired by a timer
	StateEmulation bool // continuation dummies keep the cloud view alive
	InternalHidden bool // never shown to the cloud, never overlaid
}

func (c EventCaps) strings() []string {
	var out []string
	if c.Trigger {
		out = append(out, "trigger")
	}
	if c.Stateful {
		out = append(out, "stateful")
	}
	if c.Stream {
		out = append(out, "stream")
	}
	if c.Snapshot {
		out = append(out, "snapshot")
	}
	if c.Periodic {
		out = append(out, "periodic")
	}
	if c.StateEmulation {
		out = append(out, "state_emulation")
	}
	return out
}

// EventConfig is one event's configuration: immutable caps plus the
// mutable flags the producer and the cloud may toggle.
type EventConfig struct {
	Name     string
	Caps     EventCaps
	Active   bool
	Stream   bool
	Snapshot bool
	PeriodS  int
}

// Event is one observed occurrence handed to NotifyEvent. Active carries
// the stateful transition; nil means a stateless trigger. StateEmulation
// marks engine-generated continuation dummies.
type Event struct {
	Name           string
	Time           timeline.Time
	Active         *bool
	StateEmulation bool
	Meta           json.RawMessage
}

// EventSink receives the engine's decisions on the dispatcher goroutine.
// The userdata returned by OnSyncStart travels to the matching OnSyncStop;
// OnSyncContinue may replace it to hand an active sync over to a new one.
type EventSink interface {
	OnEventStart(cfg EventConfig, ev Event, snapshot bool)
	OnEventStop(cfg EventConfig, ev Event)
	OnEventTrigger(cfg EventConfig, ev Event, snapshot bool)
	OnEventContinue(cfg EventConfig, ev Event, snapshot bool)
	OnSyncStart(cfg EventConfig, t timeline.Time) any
	OnSyncStop(cfg EventConfig, t timeline.Time, userdata any)
	OnSyncContinue(cfg EventConfig, t timeline.Time, userdata any) any
}

// eventState is the dispatcher-owned runtime state of one event.
type eventState struct {
	active    bool
	start     timeline.Time
	lastStart timeline.Time
	syncing   bool
	userdata  any
	tick      dispatch.Handle
	periodic  dispatch.Handle
}

// EngineConfig carries the event engine knobs.
type EngineConfig struct {
	// KickSnapshot attaches snapshots to continuation dummies.
	KickSnapshot bool
	Clock        clockwork.Clock
	Log          *slog.Logger
}

// EventEngine composes event configurations, runs the per-event state
// machines, and drives periodic and continuation timers. All state is
// dispatcher-owned; NotifyEvent is the only entry point for other
// goroutines.
type EventEngine struct {
	disp  *dispatch.Dispatcher
	sink  EventSink
	clock clockwork.Clock
	log   *slog.Logger
	kick  bool

	queue *dispatch.Worker[Event]

	// dispatcher-owned
	configs map[string]*EventConfig
	states  map[string]*eventState
}

// NewEventEngine builds the engine with the two internal events already
// declared: qos-report (periodic trigger) and timeline-sync (stateful,
// stream-capable, with state emulation).
func NewEventEngine(disp *dispatch.Dispatcher, sink EventSink, cfg EngineConfig) *EventEngine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	e := &EventEngine{
		disp:    disp,
		sink:    sink,
		clock:   cfg.Clock,
		log:     cfg.Log,
		kick:    cfg.KickSnapshot,
		configs: make(map[string]*EventConfig),
		states:  make(map[string]*eventState),
	}
	e.queue = dispatch.NewWorker[Event](eventQueueSize, func(ev Event) {
		e.disp.RunOnLoop(func() { e.process(ev) })
	})
	e.insert(EventConfig{
		Name:    EventQoSReport,
		Caps:    EventCaps{Trigger: true, Periodic: true, InternalHidden: true},
		Active:  true,
		PeriodS: 60,
	})
	e.insert(EventConfig{
		Name:   EventTimelineSync,
		Caps:   EventCaps{Stateful: true, Stream: true, StateEmulation: true, InternalHidden: true},
		Active: true,
		Stream: true,
	})
	return e
}

// Start launches the notification consumer and arms the periodic timers.
func (e *EventEngine) Start() {
	e.queue.Start()
	e.disp.RunOnLoop(func() {
		for name := range e.configs {
			e.armPeriodic(name)
		}
	})
}

// Stop drains the notification queue and cancels every timer. Must be
// called before the dispatcher stops.
func (e *EventEngine) Stop() {
	e.queue.Stop()
	done := make(chan struct{})
	e.disp.RunOnLoop(func() {
		for _, st := range e.states {
			e.cancelTimer(&st.tick)
			e.cancelTimer(&st.periodic)
		}
		close(done)
	})
	<-done
}

// NotifyEvent enqueues one occurrence. Safe from any goroutine and never
// blocks the producer beyond queue admission.
func (e *EventEngine) NotifyEvent(ev Event) {
	e.queue.Push(ev)
}

// Declare merges producer-declared configurations. New names are inserted;
// for known names the flags are updated but a caps change is rejected for
// that event and the prior config kept. Safe from any goroutine.
func (e *EventEngine) Declare(configs []EventConfig) {
	e.disp.RunOnLoop(func() {
		for _, c := range configs {
			cur, ok := e.configs[c.Name]
			if !ok {
				e.insert(c)
				e.armPeriodic(c.Name)
				continue
			}
			if cur.Caps != c.Caps {
				e.log.Error("event caps are immutable, update rejected",
					"event", c.Name)
				continue
			}
			cur.Active = c.Active
			cur.Stream = c.Stream
			cur.Snapshot = c.Snapshot
			cur.PeriodS = c.PeriodS
			e.armPeriodic(c.Name)
		}
	})
}

// ApplySetEvents overlays cloud-pushed flags on matching configurations.
// Hidden and unknown names are skipped. Dispatcher goroutine only.
func (e *EventEngine) ApplySetEvents(events []camproto.EventConfigWire) {
	for _, w := range events {
		cfg, ok := e.configs[w.EventName]
		if !ok || cfg.Caps.InternalHidden {
			e.log.Warn("set_events for unknown event", "event", w.EventName)
			continue
		}
		if w.Active != nil {
			cfg.Active = *w.Active
		}
		if w.Stream != nil {
			cfg.Stream = *w.Stream
		}
		if w.Snapshot != nil {
			cfg.Snapshot = *w.Snapshot
		}
		if cfg.Caps.Periodic {
			cfg.PeriodS = w.Period
		}
		e.armPeriodic(w.EventName)
	}
}

// WireConfigs returns the non-hidden configurations in wire form, for
// get_events replies. Dispatcher goroutine only.
func (e *EventEngine) WireConfigs() []camproto.EventConfigWire {
	var out []camproto.EventConfigWire
	for _, cfg := range e.configs {
		if cfg.Caps.InternalHidden {
			continue
		}
		out = append(out, camproto.EventConfigWire{
			EventName: cfg.Name,
			Caps:      cfg.Caps.strings(),
			Active:    ptrBool(cfg.Active),
			Stream:    ptrBool(cfg.Stream),
			Snapshot:  ptrBool(cfg.Snapshot),
			Period:    cfg.PeriodS,
		})
	}
	return out
}

// Configs returns a snapshot of every configuration, hidden ones included.
// Safe from any goroutine; blocks for one dispatcher round trip.
func (e *EventEngine) Configs() []EventConfig {
	out := make(chan []EventConfig, 1)
	e.disp.RunOnLoop(func() {
		cfgs := make([]EventConfig, 0, len(e.configs))
		for _, cfg := range e.configs {
			cfgs = append(cfgs, *cfg)
		}
		out <- cfgs
	})
	return <-out
}

func (e *EventEngine) insert(c EventConfig) {
	cp := c
	e.configs[c.Name] = &cp
	e.states[c.Name] = &eventState{}
}

func (e *EventEngine) cancelTimer(h *dispatch.Handle) {
	if *h != 0 {
		e.disp.Cancel(*h)
		*h = 0
	}
}

// armPeriodic (re)schedules the periodic firing for one event. A period
// of zero on a periodic event disables it with a warning.
func (e *EventEngine) armPeriodic(name string) {
	cfg := e.configs[name]
	st := e.states[name]
	e.cancelTimer(&st.periodic)
	if !cfg.Caps.Periodic || !cfg.Active {
		return
	}
	if cfg.PeriodS <= 0 {
		e.log.Warn("periodic event disabled, period is zero", "event", name)
		return
	}
	st.periodic = e.disp.Schedule(time.Duration(cfg.PeriodS)*time.Second, func() {
		st.periodic = 0
		e.process(Event{Name: name, Time: timeline.NewTime(e.clock.Now())})
		e.armPeriodic(name)
	})
}

// process runs one occurrence through the state machine. Dispatcher
// goroutine only.
func (e *EventEngine) process(ev Event) {
	cfg, ok := e.configs[ev.Name]
	if !ok {
		e.log.Warn("unknown event", "event", ev.Name)
		metrics.eventsDropped.WithLabelValues("unknown").Inc()
		return
	}
	if !cfg.Active && !ev.StateEmulation {
		metrics.eventsDropped.WithLabelValues("inactive").Inc()
		return
	}
	st := e.states[ev.Name]

	if !cfg.Caps.Stateful {
		metrics.eventsProcessed.WithLabelValues(ev.Name).Inc()
		snap := e.wantSnapshot(cfg, false, false)
		e.sink.OnEventTrigger(*cfg, ev, snap)
		if cfg.Caps.Stream && cfg.Stream {
			ud := e.sink.OnSyncStart(*cfg, ev.Time)
			e.sink.OnSyncStop(*cfg, ev.Time, ud)
		}
		return
	}

	if ev.Active == nil {
		e.log.Warn("stateful event without active flag", "event", ev.Name)
		metrics.eventsDropped.WithLabelValues("no_active_flag").Inc()
		return
	}
	if *ev.Active {
		e.processStart(cfg, st, ev)
	} else {
		e.processStop(cfg, st, ev)
	}
}

func (e *EventEngine) processStart(cfg *EventConfig, st *eventState, ev Event) {
	if st.active || ev.Time.Equal(st.lastStart) {
		metrics.eventsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.eventsProcessed.WithLabelValues(ev.Name).Inc()
	st.active = true
	st.start = ev.Time
	st.lastStart = ev.Time
	snap := e.wantSnapshot(cfg, true, false)
	e.sink.OnEventStart(*cfg, ev, snap)
	if cfg.Caps.Stream && cfg.Stream {
		st.userdata = e.sink.OnSyncStart(*cfg, ev.Time)
		st.syncing = true
	}
	e.armTick(ev.Name, st)
}

func (e *EventEngine) processStop(cfg *EventConfig, st *eventState, ev Event) {
	if !st.active || ev.Time.Before(st.start) {
		metrics.eventsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.eventsProcessed.WithLabelValues(ev.Name).Inc()
	st.active = false
	e.cancelTimer(&st.tick)
	e.sink.OnEventStop(*cfg, ev)
	if st.syncing {
		e.sink.OnSyncStop(*cfg, ev.Time, st.userdata)
		st.syncing = false
		st.userdata = nil
	}
}

func (e *EventEngine) armTick(name string, st *eventState) {
	e.cancelTimer(&st.tick)
	st.tick = e.disp.Schedule(continuationTick, func() {
		st.tick = 0
		e.continueEvent(name)
	})
}

// continueEvent fires one continuation heartbeat for an active stateful
// event: a state-emulation dummy plus the sync continue hand-off.
func (e *EventEngine) continueEvent(name string) {
	cfg, ok := e.configs[name]
	if !ok {
		return
	}
	st := e.states[name]
	if !st.active {
		return
	}
	now := timeline.NewTime(e.clock.Now())
	active := true
	dummy := Event{Name: name, Time: now, Active: &active, StateEmulation: true}
	if cfg.Caps.StateEmulation {
		snap := e.wantSnapshot(cfg, false, true)
		e.sink.OnEventContinue(*cfg, dummy, snap)
	}
	if st.syncing {
		st.userdata = e.sink.OnSyncContinue(*cfg, now, st.userdata)
	}
	e.armTick(name, st)
}

// wantSnapshot applies the snapshot decision rule: the event must be
// snapshot-capable and -enabled, and for stateful events only the start
// and (when configured) continuation dummies qualify.
func (e *EventEngine) wantSnapshot(cfg *EventConfig, start, continuation bool) bool {
	if !cfg.Caps.Snapshot || !cfg.Snapshot {
		return false
	}
	if !cfg.Caps.Stateful {
		return true
	}
	if start {
		return true
	}
	return continuation && cfg.Caps.StateEmulation && e.kick
}

func ptrBool(v bool) *bool { return &v }
