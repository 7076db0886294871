// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/mediaprobe"
	"github.com/camcloud-dev/camagent/pkg/recsync"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// SyncMode tells how event recordings reach the cloud.
type SyncMode int

const (
	ModeNone SyncMode = iota
	ModeRecordRTMPPublish
	ModeByEventDirectUpload
	ModeByEventRTMPPublish
)

func (m SyncMode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeRecordRTMPPublish:
		return "RECORD_RTMP_PUBLISH"
	case ModeByEventDirectUpload:
		return "BY_EVENT_DIRECT_UPLOAD"
	case ModeByEventRTMPPublish:
		return "BY_EVENT_RTMP_PUBLISH"
	default:
		return "UNKNOWN"
	}
}

const snapshotTimeout = 10 * time.Second

// MediaStream is one attachable media producer. Start publishes to dst
// until Stop; GetSnapshot grabs one frame. EventConfigs declares the
// events the producer can raise.
type MediaStream interface {
	ID() string
	EventConfigs() []EventConfig
	Start(dst string) error
	Stop()
	GetSnapshot(ctx context.Context) ([]byte, error)
}

// ManagerConfig carries the event padding and mode policy.
type ManagerConfig struct {
	PreRecord  time.Duration
	PostRecord time.Duration
	// UploadDelay postpones event-driven sync starts so that overlapping
	// events merge before any chunk moves.
	UploadDelay time.Duration
	// MemorycardOK reports whether local recordings are available; without
	// them record_by_event falls back to RTMP publishing.
	MemorycardOK bool
	// QoSPath is the mount point the qos-report samples for disk usage.
	QoSPath string
	Clock   clockwork.Clock
	Log     *slog.Logger
}

func (c *ManagerConfig) fillDefaults() {
	if c.QoSPath == "" {
		c.QoSPath = "/"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// eventSync tracks one active stateful event's recording delivery. mode is
// the sync mode the delivery was started under; a mode switch mid-event
// hands the delivery over at the switch instant.
type eventSync struct {
	event string
	begin timeline.Time
	req   *recsync.Request
	mode  SyncMode
}

// Manager is the agent's policy layer: it translates cloud stream
// commands into sync modes, implements the event sink, answers the
// memorycard operations, and owns the media stream handles. All state is
// dispatcher-owned.
type Manager struct {
	cfg   ManagerConfig
	clock clockwork.Clock
	log   *slog.Logger

	ctrl     control
	disp     *dispatch.Dispatcher
	engine   *recsync.Engine
	events   *EventEngine
	uploader *Uploader
	index    *remoteIndex
	local    timeline.Storage

	modeMirror atomic.Int32

	// dispatcher-owned
	mode           SyncMode
	modeSince      timeline.Time
	streams        map[string]MediaStream
	owner          map[string]MediaStream // event name -> producer
	publishing     map[string]bool
	activeStreamID string
	activeSyncs    map[*eventSync]struct{}
}

// NewManager builds an unbound manager; Bind wires it to the rest of the
// agent before any traffic flows.
func NewManager(disp *dispatch.Dispatcher, cfg ManagerConfig) *Manager {
	cfg.fillDefaults()
	return &Manager{
		cfg:         cfg,
		clock:       cfg.Clock,
		log:         cfg.Log,
		disp:        disp,
		streams:     make(map[string]MediaStream),
		owner:       make(map[string]MediaStream),
		publishing:  make(map[string]bool),
		activeSyncs: make(map[*eventSync]struct{}),
	}
}

// Bind connects the manager to its collaborators. The session, event
// engine, and manager reference each other, so construction happens in
// two phases.
func (m *Manager) Bind(ctrl control, engine *recsync.Engine, events *EventEngine,
	up *Uploader, index *remoteIndex, local timeline.Storage) {
	m.ctrl = ctrl
	m.engine = engine
	m.events = events
	m.uploader = up
	m.index = index
	m.local = local
}

// Stop tears down publishing streams. Call before the dispatcher stops.
func (m *Manager) Stop() {
	done := make(chan struct{})
	m.disp.RunOnLoop(func() {
		m.stopPublishing()
		close(done)
	})
	<-done
}

// Mode reports the current sync mode. Safe from any goroutine.
func (m *Manager) Mode() SyncMode {
	return SyncMode(m.modeMirror.Load())
}

// MemorycardOK reports whether local recordings back the agent.
func (m *Manager) MemorycardOK() bool {
	return m.cfg.MemorycardOK
}

// AttachStream registers a media producer and declares its events.
func (m *Manager) AttachStream(ms MediaStream) {
	m.disp.RunOnLoop(func() {
		m.streams[ms.ID()] = ms
		cfgs := ms.EventConfigs()
		for _, cfg := range cfgs {
			m.owner[cfg.Name] = ms
		}
		m.events.Declare(cfgs)
	})
}

// ManualSync starts one sync request outside the cloud's control, for the
// operations API. Safe from any goroutine.
func (m *Manager) ManualSync(p timeline.Period, ticket string) {
	metrics.syncRequests.Inc()
	m.engine.Sync(p, ticket, 0, func(progress int, status recsync.Status, req *recsync.Request) {
		if status.Terminal() {
			metrics.syncTerminal.WithLabelValues(status.String()).Inc()
		}
		m.log.Info("manual sync", "ticket", ticket, "progress", progress, "status", status)
	})
	m.disp.RunOnLoop(func() { m.index.Refresh() })
}

// --- SessionHandler ---

// OnPrepared fires once the control session reaches READY. A fresh QoS
// report goes out so the cloud sees the device state right away.
func (m *Manager) OnPrepared() {
	m.log.Info("control session prepared", "mode", m.mode)
	m.events.NotifyEvent(Event{
		Name: EventQoSReport,
		Time: timeline.NewTime(m.clock.Now()),
	})
}

// OnSessionClosed stops media publishing; the cloud re-issues stream
// commands after the reconnect. Active event syncs keep walking, which is
// what lets recordings catch up once the session is back.
func (m *Manager) OnSessionClosed(reason string) {
	m.log.Info("control session closed", "reason", reason)
	m.stopPublishing()
}

func (m *Manager) stopPublishing() {
	for id, ms := range m.streams {
		if m.publishing[id] {
			ms.Stop()
			delete(m.publishing, id)
		}
	}
}

// HandleCommand routes READY-state cloud commands.
func (m *Manager) HandleCommand(cmd camproto.Command) {
	switch c := cmd.(type) {
	case *camproto.StreamStart:
		m.onStreamStart(c)
	case *camproto.StreamStop:
		m.onStreamStop(c)
	case *camproto.MemorycardSync:
		m.onMemorycardSync(c)
	case *camproto.MemorycardSyncCancel:
		m.engine.Cancel(c.RequestID)
		m.done(c, camproto.StatusOK)
	case *camproto.MemorycardTimeline:
		m.onTimeline(c)
	case *camproto.GetEvents:
		reply := &camproto.SetEvents{Events: m.events.WireConfigs()}
		camproto.Reply(c, reply)
		m.send(reply)
	case *camproto.SetEvents:
		m.events.ApplySetEvents(c.Events)
		m.done(c, camproto.StatusOK)
	case *camproto.DirectUploadURL:
		// The ack already expired; nothing waits for this.
		m.log.Debug("late direct_upload_url", "refid", c.RefID)
	default:
		m.log.Warn("unsupported command", "cmd", cmd.Name())
		m.done(cmd, camproto.StatusNotSupported)
	}
}

// onStreamStart translates the cloud's reason into a publish and a sync
// mode. record_by_event prefers direct uploads from local recordings and
// falls back to RTMP publishing when there are none.
func (m *Manager) onStreamStart(c *camproto.StreamStart) {
	ms, ok := m.streams[c.StreamID]
	if !ok {
		m.log.Warn("stream_start for unknown stream", "stream_id", c.StreamID)
		m.done(c, camproto.StatusInvalidParam)
		return
	}
	switch c.Reason {
	case camproto.ReasonLive:
		if err := m.publish(ms); err != nil {
			m.done(c, camproto.StatusSystemError)
			return
		}
	case camproto.ReasonRecord, camproto.ReasonServerByEvent:
		if err := m.publish(ms); err != nil {
			m.done(c, camproto.StatusSystemError)
			return
		}
		m.activeStreamID = c.StreamID
		m.setMode(ModeRecordRTMPPublish)
	case camproto.ReasonRecordByEvent:
		m.activeStreamID = c.StreamID
		if m.cfg.MemorycardOK {
			m.setMode(ModeByEventDirectUpload)
		} else {
			m.log.Warn("no memorycard, falling back to rtmp publishing by event")
			m.setMode(ModeByEventRTMPPublish)
		}
	default:
		m.done(c, camproto.StatusInvalidParam)
		return
	}
	m.done(c, camproto.StatusOK)
}

func (m *Manager) onStreamStop(c *camproto.StreamStop) {
	ms, ok := m.streams[c.StreamID]
	if !ok {
		m.done(c, camproto.StatusInvalidParam)
		return
	}
	m.unpublish(ms)
	if m.activeStreamID == c.StreamID {
		m.activeStreamID = ""
	}
	m.setMode(ModeNone)
	m.done(c, camproto.StatusOK)
}

// setMode switches the sync mode and hands every active event delivery
// over at the switch instant, so the uploaded timeline changes shape
// exactly where the mode changed.
func (m *Manager) setMode(mode SyncMode) {
	if mode == m.mode {
		return
	}
	now := timeline.NewTime(m.clock.Now())
	m.log.Info("sync mode change", "from", m.mode, "to", mode)
	m.mode = mode
	m.modeSince = now
	m.modeMirror.Store(int32(mode))
	for es := range m.activeSyncs {
		m.switchSync(es, now)
	}
}

// switchSync moves one active event delivery to the current mode. The
// replacement sync starts at the switch instant without pre-roll: the
// stretch before it already went out under the old mode.
func (m *Manager) switchSync(es *eventSync, at timeline.Time) {
	if es.mode == m.mode {
		return
	}
	if es.req != nil {
		m.engine.Finalize(es.req, at)
		es.req = nil
	}
	switch m.mode {
	case ModeByEventDirectUpload:
		es.req = m.startEventSync(timeline.OpenPeriod(at), 0)
	case ModeByEventRTMPPublish:
		if ms := m.eventStream(es.event); ms != nil {
			if err := m.publish(ms); err != nil {
				m.log.Error("publish on mode switch failed", "stream", ms.ID(), "err", err)
			}
		}
	}
	if es.mode == ModeByEventRTMPPublish {
		// The published stretch ends here; stop after the post-roll.
		if ms := m.eventStream(es.event); ms != nil {
			m.disp.Schedule(m.cfg.PostRecord, func() { m.maybeUnpublish(ms) })
		}
	}
	es.mode = m.mode
}

func (m *Manager) startEventSync(p timeline.Period, delay time.Duration) *recsync.Request {
	metrics.syncRequests.Inc()
	ticket := uuid.NewString()
	return m.engine.Sync(p, ticket, delay, func(progress int, status recsync.Status, req *recsync.Request) {
		if status.Terminal() {
			metrics.syncTerminal.WithLabelValues(status.String()).Inc()
			m.log.Info("event sync finished", "ticket", ticket,
				"period", req.Period(), "status", status)
		}
	})
}

func (m *Manager) publishDst() string {
	info := m.ctrl.Info()
	if info.MediaURI != "" {
		return info.MediaURI
	}
	return info.MediaServer
}

func (m *Manager) publish(ms MediaStream) error {
	if m.publishing[ms.ID()] {
		return nil
	}
	dst := m.publishDst()
	if err := ms.Start(dst); err != nil {
		m.log.Error("publish failed", "stream", ms.ID(), "dst", dst, "err", err)
		return err
	}
	m.log.Info("publishing", "stream", ms.ID(), "dst", dst)
	m.publishing[ms.ID()] = true
	return nil
}

func (m *Manager) unpublish(ms MediaStream) {
	if !m.publishing[ms.ID()] {
		return
	}
	ms.Stop()
	delete(m.publishing, ms.ID())
	m.log.Info("publishing stopped", "stream", ms.ID())
}

func (m *Manager) eventStream(name string) MediaStream {
	if ms, ok := m.owner[name]; ok {
		return ms
	}
	for _, ms := range m.streams {
		return ms
	}
	return nil
}

// --- memorycard operations ---

func (m *Manager) onMemorycardSync(c *camproto.MemorycardSync) {
	if c.RequestID == "" {
		m.done(c, camproto.StatusMissedParam)
		return
	}
	if !m.cfg.MemorycardOK {
		m.done(c, camproto.StatusNotSupported)
		return
	}
	begin, err := timeline.ParseTime(c.Begin)
	if err != nil {
		m.done(c, camproto.StatusInvalidParam)
		return
	}
	var end timeline.Time
	if c.End != "" {
		if end, err = timeline.ParseTime(c.End); err != nil {
			m.done(c, camproto.StatusInvalidParam)
			return
		}
	}
	m.done(c, camproto.StatusOK)
	metrics.syncRequests.Inc()
	m.engine.Sync(timeline.Period{Begin: begin, End: end}, c.RequestID, 0,
		m.memorycardStatus(c.RequestID))
	m.index.Refresh()
}

// memorycardStatus forwards every progress report to the cloud under the
// request's own ticket.
func (m *Manager) memorycardStatus(requestID string) recsync.StatusFunc {
	return func(progress int, status recsync.Status, req *recsync.Request) {
		if status.Terminal() {
			metrics.syncTerminal.WithLabelValues(status.String()).Inc()
		}
		st := &camproto.MemorycardSyncStatus{
			RequestID: requestID,
			Status:    status.String(),
			Progress:  progress,
		}
		if err := m.ctrl.Send(st); err != nil {
			m.log.Warn("sync status dropped, session not ready",
				"request_id", requestID, "status", status)
		}
	}
}

// onTimeline answers with the squashed local video periods intersecting
// the query. The local index is in memory, so this never blocks.
func (m *Manager) onTimeline(c *camproto.MemorycardTimeline) {
	if !m.cfg.MemorycardOK {
		m.done(c, camproto.StatusNotSupported)
		return
	}
	var begin, end timeline.Time
	var err error
	if c.Begin != "" {
		if begin, err = timeline.ParseTime(c.Begin); err != nil {
			m.done(c, camproto.StatusInvalidParam)
			return
		}
	}
	end = timeline.Max
	if c.End != "" {
		if end, err = timeline.ParseTime(c.End); err != nil {
			m.done(c, camproto.StatusInvalidParam)
			return
		}
	}
	items, err := m.local.List(context.Background(), begin, end)
	if err != nil {
		m.done(c, camproto.StatusSystemError)
		return
	}
	var periods []timeline.Period
	for _, it := range items {
		if it.Category == timeline.CategoryVideo {
			periods = append(periods, it.Period)
		}
	}
	reply := &camproto.MemorycardTimeline{Begin: c.Begin, End: c.End}
	for _, p := range timeline.Squash(periods) {
		reply.Records = append(reply.Records, camproto.TimelineRecord{
			Begin: p.Begin.Packed(),
			End:   p.End.Packed(),
		})
	}
	camproto.Reply(c, reply)
	m.send(reply)
}

// --- EventSink ---

func (m *Manager) OnEventStart(cfg EventConfig, ev Event, snapshot bool) {
	if cfg.Caps.InternalHidden {
		return
	}
	m.emitEvent(ev, snapshot)
}

// OnEventStop emits the stop cam_event. When the event's recording went
// up by direct upload, a file_meta document describing the recorded media
// rides along.
func (m *Manager) OnEventStop(cfg EventConfig, ev Event) {
	if cfg.Caps.InternalHidden {
		return
	}
	es := m.findSync(cfg.Name)
	if es == nil || es.mode != ModeByEventDirectUpload {
		m.emitEvent(ev, false)
		return
	}
	ce := wireEvent(ev)
	go m.describeAndSend(ce, timeline.NewPeriod(es.begin, ev.Time))
}

func (m *Manager) findSync(event string) *eventSync {
	for es := range m.activeSyncs {
		if es.event == event {
			return es
		}
	}
	return nil
}

func (m *Manager) OnEventTrigger(cfg EventConfig, ev Event, snapshot bool) {
	if ev.Name == EventQoSReport {
		m.reportQoS(ev)
		return
	}
	if cfg.Caps.InternalHidden {
		return
	}
	m.emitEvent(ev, snapshot)
}

func (m *Manager) OnEventContinue(cfg EventConfig, ev Event, snapshot bool) {
	if cfg.Caps.InternalHidden {
		return
	}
	m.emitEvent(ev, snapshot)
}

// OnSyncStart opens the recording delivery for one event under the
// current mode. The returned handle rides the engine's userdata so stop
// and continue find it again.
func (m *Manager) OnSyncStart(cfg EventConfig, t timeline.Time) any {
	es := &eventSync{event: cfg.Name, begin: t, mode: m.mode}
	switch m.mode {
	case ModeByEventDirectUpload:
		es.req = m.startEventSync(timeline.OpenPeriod(t.Add(-m.cfg.PreRecord)), m.cfg.UploadDelay)
	case ModeByEventRTMPPublish:
		if ms := m.eventStream(cfg.Name); ms != nil {
			if err := m.publish(ms); err != nil {
				m.log.Error("event publish failed", "event", cfg.Name, "err", err)
			}
		}
	}
	m.activeSyncs[es] = struct{}{}
	return es
}

func (m *Manager) OnSyncStop(cfg EventConfig, t timeline.Time, userdata any) {
	es, ok := userdata.(*eventSync)
	if !ok || es == nil {
		return
	}
	delete(m.activeSyncs, es)
	if es.req != nil {
		m.engine.Finalize(es.req, t.Add(m.cfg.PostRecord))
		es.req = nil
	}
	if es.mode == ModeByEventRTMPPublish {
		ms := m.eventStream(cfg.Name)
		if ms != nil {
			m.disp.Schedule(m.cfg.PostRecord, func() { m.maybeUnpublish(ms) })
		}
	}
}

// OnSyncContinue is the per-tick safety net: a mode switch the setMode
// pass somehow missed is applied on the next heartbeat.
func (m *Manager) OnSyncContinue(cfg EventConfig, t timeline.Time, userdata any) any {
	es, ok := userdata.(*eventSync)
	if !ok || es == nil {
		return m.OnSyncStart(cfg, t)
	}
	if es.mode != m.mode {
		m.switchSync(es, t)
	}
	return es
}

// maybeUnpublish stops the post-roll publish once no event needs it. A
// continuous record mode keeps the publish regardless.
func (m *Manager) maybeUnpublish(ms MediaStream) {
	if m.mode == ModeRecordRTMPPublish {
		return
	}
	for es := range m.activeSyncs {
		if es.mode == ModeByEventRTMPPublish {
			return
		}
	}
	m.unpublish(ms)
}

func wireEvent(ev Event) *camproto.CamEvent {
	return &camproto.CamEvent{
		Event:          ev.Name,
		Time:           ev.Time.Packed(),
		Active:         ev.Active,
		StateEmulation: ev.StateEmulation,
		Meta:           ev.Meta,
	}
}

// emitEvent sends one cam_event, capturing a snapshot first when asked.
// The capture runs on its own goroutine; the event goes out when it
// lands, with or without the image.
func (m *Manager) emitEvent(ev Event, snapshot bool) {
	ce := wireEvent(ev)
	if !snapshot {
		m.uploader.SendEvent(ce, nil, nil)
		return
	}
	ms := m.eventStream(ev.Name)
	if ms == nil {
		m.uploader.SendEvent(ce, nil, nil)
		return
	}
	go m.captureAndSend(ms, ce, ev.Time)
}

func (m *Manager) captureAndSend(ms MediaStream, ce *camproto.CamEvent, t timeline.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	data, err := ms.GetSnapshot(ctx)
	m.disp.RunOnLoop(func() {
		if err != nil || len(data) == 0 {
			if err != nil {
				m.log.Warn("snapshot failed", "event", ce.Event, "err", err)
			}
			m.uploader.SendEvent(ce, nil, nil)
			return
		}
		m.uploader.SendEvent(ce, &Payload{
			Category:  timeline.CategorySnapshot,
			MediaType: timeline.CategorySnapshot.MediaType(),
			FileTime:  t,
			Data:      data,
		}, nil)
	})
}

// describeAndSend probes the recording behind a finished event and sends
// the stop event with the file_meta document attached. The recording may
// still be flushing when the stop fires; a missing or unreadable chunk
// downgrades to a plain event.
func (m *Manager) describeAndSend(ce *camproto.CamEvent, p timeline.Period) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	meta := m.loadFileMeta(ctx, p)
	m.disp.RunOnLoop(func() {
		m.uploader.SendEvent(ce, nil, meta)
	})
}

// loadFileMeta loads and probes the first recorded chunk in p. Worker
// goroutine only; the local store's List and Load are safe off-loop.
func (m *Manager) loadFileMeta(ctx context.Context, p timeline.Period) *Payload {
	items, err := m.local.List(ctx, p.Begin, p.End)
	if err != nil {
		return nil
	}
	var it *timeline.Item
	for _, cand := range items {
		if cand.Category == timeline.CategoryVideo {
			it = cand
			break
		}
	}
	if it == nil {
		return nil
	}
	if err := m.local.Load(ctx, it); err != nil {
		m.log.Warn("file meta load failed", "period", it.Period, "err", err)
		return nil
	}
	info, err := mediaprobe.ProbeBytes(it.Payload)
	if err != nil {
		m.log.Warn("file meta probe failed", "period", it.Period, "err", err)
		return nil
	}
	if info.UnorderedDTS != nil {
		m.log.Warn("recording has a decode time regression", "period", it.Period,
			"track", info.UnorderedDTS.TrackID, "before", info.UnorderedDTS.Before,
			"after", info.UnorderedDTS.After)
	}
	return fileMetaPayload(it, info)
}

// --- qos-report ---

type qosStats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	MemFree     uint64  `json:"mem_free"`
	DiskPercent float64 `json:"disk_percent"`
	DiskFree    uint64  `json:"disk_free"`
	Load1       float64 `json:"load1"`
}

// reportQoS samples the host on a worker goroutine and emits the stats as
// the event's meta document.
func (m *Manager) reportQoS(ev Event) {
	path := m.cfg.QoSPath
	go func() {
		stats := collectQoS(path)
		meta, err := json.Marshal(stats)
		if err != nil {
			return
		}
		m.disp.RunOnLoop(func() {
			m.uploader.SendEvent(&camproto.CamEvent{
				Event: ev.Name,
				Time:  ev.Time.Packed(),
				Meta:  meta,
			}, nil, nil)
		})
	}()
}

func collectQoS(path string) qosStats {
	var st qosStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemPercent = vm.UsedPercent
		st.MemFree = vm.Available
	}
	if du, err := disk.Usage(path); err == nil {
		st.DiskPercent = du.UsedPercent
		st.DiskFree = du.Free
	}
	if avg, err := load.Avg(); err == nil {
		st.Load1 = avg.Load1
	}
	return st
}

// --- replies ---

func (m *Manager) done(orig camproto.Command, status camproto.DoneStatus) {
	if err := m.ctrl.Send(camproto.NewDone(orig, status)); err != nil {
		m.log.Warn("done reply dropped", "for", orig.Name(), "err", err)
	}
}

func (m *Manager) send(cmd camproto.Command) {
	if err := m.ctrl.Send(cmd); err != nil {
		m.log.Warn("reply dropped", "cmd", cmd.Name(), "err", err)
	}
}
