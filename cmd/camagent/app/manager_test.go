// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/httpclient"
	"github.com/camcloud-dev/camagent/pkg/recsync"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// fakeStream is a scripted MediaStream. Configure it before AttachStream;
// after that the manager owns the calls.
type fakeStream struct {
	mu       sync.Mutex
	id       string
	cfgs     []EventConfig
	startErr error
	snapshot []byte
	snapErr  error
	starts   chan string
	stops    chan struct{}
}

func newFakeStream(id string, cfgs ...EventConfig) *fakeStream {
	return &fakeStream{
		id:     id,
		cfgs:   cfgs,
		starts: make(chan string, 8),
		stops:  make(chan struct{}, 8),
	}
}

func (s *fakeStream) ID() string                  { return s.id }
func (s *fakeStream) EventConfigs() []EventConfig { return s.cfgs }

func (s *fakeStream) Start(dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts <- dst
	return nil
}

func (s *fakeStream) Stop() {
	s.stops <- struct{}{}
}

func (s *fakeStream) GetSnapshot(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.snapErr
}

func (s *fakeStream) expectStart(t *testing.T) string {
	t.Helper()
	select {
	case dst := <-s.starts:
		return dst
	case <-time.After(5 * time.Second):
		t.Fatalf("stream %s did not start", s.id)
		return ""
	}
}

func (s *fakeStream) expectStop(t *testing.T) {
	t.Helper()
	select {
	case <-s.stops:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream %s did not stop", s.id)
	}
}

func (s *fakeStream) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case <-s.starts:
		t.Fatalf("stream %s started unexpectedly", s.id)
	case <-s.stops:
		t.Fatalf("stream %s stopped unexpectedly", s.id)
	case <-time.After(100 * time.Millisecond):
	}
}

type managerOpts struct {
	memorycard bool
	preRecord  time.Duration
	postRecord time.Duration
}

type managerFixture struct {
	mgr    *Manager
	ctrl   *fakeControl
	disp   *dispatch.Dispatcher
	clock  *clockwork.FakeClock
	store  *memStore
	engine *recsync.Engine
	events *EventEngine
}

// startManager assembles the real pipeline around a fake session and an
// in-memory store, mirroring the agent wiring.
func startManager(t *testing.T, opts managerOpts) *managerFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(eventBase.Time)
	disp := dispatch.NewDispatcher(clock)
	disp.Start()
	t.Cleanup(disp.Stop)
	httpc := httpclient.New(httpclient.Config{Workers: 2})
	t.Cleanup(httpc.Stop)

	ctrl := newFakeControl(SessionInfo{
		CamID:       "cloud-cam-7",
		MediaURI:    "rtmp://media.example/live",
		MediaServer: "rtmp://media.example/app",
	})
	store := newMemStore()
	mgr := NewManager(disp, ManagerConfig{
		PreRecord:    opts.preRecord,
		PostRecord:   opts.postRecord,
		MemorycardOK: opts.memorycard,
		Clock:        clock,
	})
	up := NewUploader(ctrl, disp, httpc, store, UploaderConfig{MaxVideo: 1, Clock: clock})
	up.Start()
	t.Cleanup(up.Stop)
	index := newRemoteIndex(disp, up, nil, clock, nil)
	engine := recsync.NewEngine(store, index, disp, recsync.Config{Clock: clock})
	t.Cleanup(engine.Stop)
	events := NewEventEngine(disp, mgr, EngineConfig{Clock: clock})
	events.Start()
	t.Cleanup(events.Stop)
	mgr.Bind(ctrl, engine, events, up, index, store)
	t.Cleanup(mgr.Stop)

	return &managerFixture{
		mgr:    mgr,
		ctrl:   ctrl,
		disp:   disp,
		clock:  clock,
		store:  store,
		engine: engine,
		events: events,
	}
}

// settle waits for everything already queued on the dispatcher to run.
func (f *managerFixture) settle(t *testing.T) {
	t.Helper()
	ran := make(chan struct{})
	f.disp.RunOnLoop(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stalled")
	}
}

// attach registers the stream and waits until its events are declared.
func (f *managerFixture) attach(t *testing.T, ms MediaStream) {
	t.Helper()
	f.mgr.AttachStream(ms)
	f.settle(t)
	_ = f.events.Configs()
}

// handle feeds one cloud command through the manager on the dispatcher.
func (f *managerFixture) handle(t *testing.T, cmd camproto.Command) {
	t.Helper()
	ran := make(chan struct{})
	f.disp.RunOnLoop(func() {
		f.mgr.HandleCommand(cmd)
		close(ran)
	})
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("command was not handled")
	}
}

// advance moves the fake clock once the dispatcher has parked on a timer.
func (f *managerFixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.BlockUntil(1)
	f.clock.Advance(d)
}

func (f *managerFixture) expectDone(t *testing.T, refID int64, status camproto.DoneStatus) {
	t.Helper()
	cmd := f.ctrl.nextSent(t)
	d, ok := cmd.(*camproto.Done)
	require.True(t, ok, "want done, got %s", cmd.Name())
	assert.Equal(t, refID, d.RefID)
	assert.Equal(t, status, d.Status)
}

func (f *managerFixture) expectSyncStatus(t *testing.T, requestID, status string, progress int) {
	t.Helper()
	cmd := f.ctrl.nextSent(t)
	st, ok := cmd.(*camproto.MemorycardSyncStatus)
	require.True(t, ok, "want sync status, got %s", cmd.Name())
	assert.Equal(t, requestID, st.RequestID)
	assert.Equal(t, status, st.Status)
	assert.Equal(t, progress, st.Progress)
}

func motionConfig() EventConfig {
	return EventConfig{
		Name:   "motion",
		Caps:   EventCaps{Stateful: true, Stream: true, Snapshot: true, StateEmulation: true},
		Active: true,
		Stream: true,
	}
}

func TestManagerStreamLifecycle(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})
	stream := newFakeStream("front", motionConfig())
	f.attach(t, stream)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonLive})
	assert.Equal(t, "rtmp://media.example/live", stream.expectStart(t))
	f.expectDone(t, 1, camproto.StatusOK)
	assert.Equal(t, ModeNone, f.mgr.Mode(), "live viewing does not change the sync mode")

	// record reuses the running publish.
	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 2}, StreamID: "front", Reason: camproto.ReasonRecord})
	f.expectDone(t, 2, camproto.StatusOK)
	assert.Equal(t, ModeRecordRTMPPublish, f.mgr.Mode())
	stream.expectIdle(t)

	// A dropped session stops publishing but keeps the mode; the cloud
	// re-issues stream commands after the reconnect.
	f.disp.RunOnLoop(func() { f.mgr.OnSessionClosed("error") })
	stream.expectStop(t)
	f.settle(t)
	assert.Equal(t, ModeRecordRTMPPublish, f.mgr.Mode())

	f.handle(t, &camproto.StreamStop{Head: camproto.Head{MsgID: 3}, StreamID: "front"})
	f.expectDone(t, 3, camproto.StatusOK)
	assert.Equal(t, ModeNone, f.mgr.Mode())
}

func TestManagerStreamStartErrors(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})
	stream := newFakeStream("front", motionConfig())
	stream.startErr = errors.New("no encoder")
	f.attach(t, stream)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "ghost", Reason: camproto.ReasonLive})
	f.expectDone(t, 1, camproto.StatusInvalidParam)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 2}, StreamID: "front", Reason: camproto.StreamReason("teleport")})
	f.expectDone(t, 2, camproto.StatusInvalidParam)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 3}, StreamID: "front", Reason: camproto.ReasonLive})
	f.expectDone(t, 3, camproto.StatusSystemError)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 4}, StreamID: "front", Reason: camproto.ReasonRecord})
	f.expectDone(t, 4, camproto.StatusSystemError)
	assert.Equal(t, ModeNone, f.mgr.Mode(), "a failed publish leaves the mode alone")

	f.handle(t, &camproto.StreamStop{Head: camproto.Head{MsgID: 5}, StreamID: "ghost"})
	f.expectDone(t, 5, camproto.StatusInvalidParam)
}

func TestManagerRecordByEvent(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})
	stream := newFakeStream("front", motionConfig())
	f.attach(t, stream)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonRecordByEvent})
	f.expectDone(t, 1, camproto.StatusOK)
	assert.Equal(t, ModeByEventDirectUpload, f.mgr.Mode())
	stream.expectIdle(t)
}

func TestManagerWithoutMemorycard(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: false})
	stream := newFakeStream("front", motionConfig())
	f.attach(t, stream)

	// record_by_event falls back to publishing on event.
	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonRecordByEvent})
	f.expectDone(t, 1, camproto.StatusOK)
	assert.Equal(t, ModeByEventRTMPPublish, f.mgr.Mode())
	stream.expectIdle(t)

	f.handle(t, &camproto.MemorycardSync{Head: camproto.Head{MsgID: 2}, RequestID: "req-1", Begin: at(0).Packed()})
	f.expectDone(t, 2, camproto.StatusNotSupported)

	f.handle(t, &camproto.MemorycardTimeline{Head: camproto.Head{MsgID: 3}})
	f.expectDone(t, 3, camproto.StatusNotSupported)
}

func TestManagerMemorycardSync(t *testing.T) {
	leakCheck(t)
	srv, hits := captureServer(t, http.StatusOK)
	f := startManager(t, managerOpts{memorycard: true})

	f.store.put(span(0, 6), timeline.CategoryVideo, []byte("chunk-a"))
	f.store.put(span(6, 12), timeline.CategoryVideo, []byte("chunk-b"))

	f.handle(t, &camproto.MemorycardSync{
		Head:      camproto.Head{MsgID: 1},
		RequestID: "req-1",
		Begin:     at(0).Packed(),
		End:       at(12).Packed(),
	})
	f.expectDone(t, 1, camproto.StatusOK)

	for _, want := range [][]byte{[]byte("chunk-a"), []byte("chunk-b")} {
		a := f.ctrl.nextAck(t)
		req, ok := a.cmd.(*camproto.GetDirectUploadURL)
		require.True(t, ok, "want get_direct_upload_url, got %s", a.cmd.Name())
		answerAck(t, f.disp, a, false, &camproto.DirectUploadURL{Status: "OK", URL: srv.URL + "/" + req.FileTime})
		assert.Equal(t, want, nextHit(t, hits).body)
	}

	f.expectSyncStatus(t, "req-1", "PENDING", 50)
	f.expectSyncStatus(t, "req-1", "DONE", 100)
}

func TestManagerMemorycardSyncValidation(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})

	f.handle(t, &camproto.MemorycardSync{Head: camproto.Head{MsgID: 1}, Begin: at(0).Packed()})
	f.expectDone(t, 1, camproto.StatusMissedParam)

	f.handle(t, &camproto.MemorycardSync{Head: camproto.Head{MsgID: 2}, RequestID: "req-1", Begin: "yesterday"})
	f.expectDone(t, 2, camproto.StatusInvalidParam)

	f.handle(t, &camproto.MemorycardSync{Head: camproto.Head{MsgID: 3}, RequestID: "req-1", Begin: at(0).Packed(), End: "tomorrow"})
	f.expectDone(t, 3, camproto.StatusInvalidParam)
}

func TestManagerMemorycardSyncCancel(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})

	// Open-ended sync over an empty store: it keeps walking until canceled.
	f.handle(t, &camproto.MemorycardSync{Head: camproto.Head{MsgID: 1}, RequestID: "req-9", Begin: at(0).Packed()})
	f.expectDone(t, 1, camproto.StatusOK)

	f.handle(t, &camproto.MemorycardSyncCancel{Head: camproto.Head{MsgID: 2}, RequestID: "req-9"})
	f.expectDone(t, 2, camproto.StatusOK)
	f.expectSyncStatus(t, "req-9", "CANCELED", 0)
}

func TestManagerTimeline(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})

	f.store.put(span(0, 6), timeline.CategoryVideo, []byte("a"))
	f.store.put(span(6, 12), timeline.CategoryVideo, []byte("b"))
	f.store.put(span(20, 26), timeline.CategoryVideo, []byte("c"))
	f.store.put(span(3, 4), timeline.CategorySnapshot, []byte("s"))

	f.handle(t, &camproto.MemorycardTimeline{
		Head:  camproto.Head{MsgID: 7},
		Begin: at(0).Packed(),
		End:   at(40).Packed(),
	})

	cmd := f.ctrl.nextSent(t)
	reply, ok := cmd.(*camproto.MemorycardTimeline)
	require.True(t, ok, "want timeline reply, got %s", cmd.Name())
	assert.Equal(t, int64(7), reply.RefID)
	assert.Equal(t, []camproto.TimelineRecord{
		{Begin: at(0).Packed(), End: at(12).Packed()},
		{Begin: at(20).Packed(), End: at(26).Packed()},
	}, reply.Records, "adjacent video periods squash, snapshots are not listed")

	f.handle(t, &camproto.MemorycardTimeline{Head: camproto.Head{MsgID: 8}, Begin: "noon"})
	f.expectDone(t, 8, camproto.StatusInvalidParam)
}

func TestManagerGetSetEvents(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})
	f.attach(t, newFakeStream("front", motionConfig()))

	f.handle(t, &camproto.GetEvents{Head: camproto.Head{MsgID: 1}})
	reply, ok := f.ctrl.nextSent(t).(*camproto.SetEvents)
	require.True(t, ok)
	assert.Equal(t, int64(1), reply.RefID)
	require.Len(t, reply.Events, 1, "internal events stay hidden")
	wire := reply.Events[0]
	assert.Equal(t, "motion", wire.EventName)
	require.NotNil(t, wire.Stream)
	assert.True(t, *wire.Stream)

	f.handle(t, &camproto.SetEvents{
		Head:   camproto.Head{MsgID: 2},
		Events: []camproto.EventConfigWire{{EventName: "motion", Stream: ptrBool(false)}},
	})
	f.expectDone(t, 2, camproto.StatusOK)

	f.handle(t, &camproto.GetEvents{Head: camproto.Head{MsgID: 3}})
	reply, ok = f.ctrl.nextSent(t).(*camproto.SetEvents)
	require.True(t, ok)
	require.Len(t, reply.Events, 1)
	require.NotNil(t, reply.Events[0].Stream)
	assert.False(t, *reply.Events[0].Stream, "overlay landed")
}

func TestManagerEventDirectUpload(t *testing.T) {
	leakCheck(t)
	srv, hits := captureServer(t, http.StatusOK)
	f := startManager(t, managerOpts{memorycard: true, preRecord: 2 * time.Second, postRecord: 2 * time.Second})

	// Not an MP4: probing fails and the stop event goes out plain.
	chunk := bytes.Repeat([]byte{0x42}, 1024)
	f.store.put(span(8, 14), timeline.CategoryVideo, chunk)

	cfg := motionConfig()
	cfg.Snapshot = true
	stream := newFakeStream("front", cfg)
	stream.snapshot = []byte("jpeg-frame")
	f.attach(t, stream)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonRecordByEvent})
	f.expectDone(t, 1, camproto.StatusOK)
	require.Equal(t, ModeByEventDirectUpload, f.mgr.Mode())

	f.events.NotifyEvent(Event{Name: "motion", Time: at(10), Active: ptrBool(true)})

	// Two acks race in: the chunk URL request from the sync walk and the
	// start event carrying the snapshot descriptor.
	var chunkAck, eventAck *pendingAck
	for i := 0; i < 2; i++ {
		a := f.ctrl.nextAck(t)
		switch a.cmd.(type) {
		case *camproto.GetDirectUploadURL:
			chunkAck = a
		case *camproto.CamEvent:
			eventAck = a
		}
	}
	require.NotNil(t, chunkAck, "no upload url request for the chunk")
	require.NotNil(t, eventAck, "no start event")

	chunkReq := chunkAck.cmd.(*camproto.GetDirectUploadURL)
	assert.Equal(t, at(8).Packed(), chunkReq.FileTime, "delivery starts pre-record early")

	startEv := eventAck.cmd.(*camproto.CamEvent)
	assert.Equal(t, "motion", startEv.Event)
	assert.Equal(t, at(10).Packed(), startEv.Time)
	require.NotNil(t, startEv.Active)
	assert.True(t, *startEv.Active)
	require.NotNil(t, startEv.Snapshot)
	assert.Equal(t, int64(len("jpeg-frame")), startEv.Snapshot.Size)

	answerAck(t, f.disp, chunkAck, false, &camproto.DirectUploadURL{Status: "OK", URL: srv.URL + "/chunk"})
	answerAck(t, f.disp, eventAck, false, &camproto.DirectUploadURL{
		Status: "OK",
		Extra:  []camproto.UploadTarget{{Category: "snapshot", URL: srv.URL + "/snap"}},
	})

	byPath := map[string][]byte{}
	for i := 0; i < 2; i++ {
		hit := nextHit(t, hits)
		assert.Equal(t, http.MethodPut, hit.method)
		byPath[hit.path] = hit.body
	}
	assert.Equal(t, chunk, byPath["/chunk"])
	assert.Equal(t, []byte("jpeg-frame"), byPath["/snap"])

	f.events.NotifyEvent(Event{Name: "motion", Time: at(20), Active: ptrBool(false)})
	stopEv, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)
	assert.Equal(t, "motion", stopEv.Event)
	require.NotNil(t, stopEv.Active)
	assert.False(t, *stopEv.Active)
	assert.Nil(t, stopEv.FileMeta, "an unreadable recording downgrades the stop event")

	assert.Eventually(t, func() bool { return f.engine.Stats().Done == 1 },
		2*time.Second, 10*time.Millisecond, "the event delivery finalizes")
}

func TestManagerEventPublishByEvent(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: false, postRecord: 2 * time.Second})
	stream := newFakeStream("front", motionConfig())
	f.attach(t, stream)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonRecordByEvent})
	f.expectDone(t, 1, camproto.StatusOK)
	require.Equal(t, ModeByEventRTMPPublish, f.mgr.Mode())
	stream.expectIdle(t)

	f.events.NotifyEvent(Event{Name: "motion", Time: at(5), Active: ptrBool(true)})
	assert.Equal(t, "rtmp://media.example/live", stream.expectStart(t))
	startEv, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)
	assert.Equal(t, "motion", startEv.Event)

	f.events.NotifyEvent(Event{Name: "motion", Time: at(12), Active: ptrBool(false)})
	stopEv, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)
	require.NotNil(t, stopEv.Active)
	assert.False(t, *stopEv.Active)

	// The publish holds through the post-record window.
	stream.expectIdle(t)
	f.advance(t, 2*time.Second)
	stream.expectStop(t)
}

func TestManagerModeSwitchMidEvent(t *testing.T) {
	leakCheck(t)
	srv, hits := captureServer(t, http.StatusOK)
	f := startManager(t, managerOpts{memorycard: true, preRecord: 5 * time.Second, postRecord: 2 * time.Second})

	f.store.put(span(-6, 0), timeline.CategoryVideo, []byte("before"))
	first := []byte("at-switch")
	f.store.put(span(0, 6), timeline.CategoryVideo, first)
	tail := []byte("post-roll")
	f.store.put(span(21, 27), timeline.CategoryVideo, tail)
	f.store.put(span(22, 28), timeline.CategoryVideo, []byte("beyond"))

	stream := newFakeStream("front", motionConfig())
	f.attach(t, stream)

	// The event opens while nothing syncs recordings.
	f.events.NotifyEvent(Event{Name: "motion", Time: at(10), Active: ptrBool(true)})
	startEv, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)
	assert.Equal(t, "motion", startEv.Event)
	f.ctrl.expectQuiet(t)

	// record_by_event lands mid-event; the running event hands its
	// delivery over at the switch instant, without pre-record.
	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonRecordByEvent})
	f.expectDone(t, 1, camproto.StatusOK)
	require.Equal(t, ModeByEventDirectUpload, f.mgr.Mode())

	a := f.ctrl.nextAck(t)
	req, ok := a.cmd.(*camproto.GetDirectUploadURL)
	require.True(t, ok, "want get_direct_upload_url, got %s", a.cmd.Name())
	assert.Equal(t, at(0).Packed(), req.FileTime, "delivery begins where the mode changed")
	answerAck(t, f.disp, a, false, &camproto.DirectUploadURL{Status: "OK", URL: srv.URL + "/first"})
	assert.Equal(t, first, nextHit(t, hits).body)

	f.events.NotifyEvent(Event{Name: "motion", Time: at(20), Active: ptrBool(false)})
	stopEv, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)
	require.NotNil(t, stopEv.Active)
	assert.False(t, *stopEv.Active)

	// The delivery runs out to stop plus post-record and no further.
	a = f.ctrl.nextAck(t)
	req, ok = a.cmd.(*camproto.GetDirectUploadURL)
	require.True(t, ok, "want get_direct_upload_url, got %s", a.cmd.Name())
	assert.Equal(t, at(21).Packed(), req.FileTime)
	answerAck(t, f.disp, a, false, &camproto.DirectUploadURL{Status: "OK", URL: srv.URL + "/tail"})
	assert.Equal(t, tail, nextHit(t, hits).body)

	assert.Eventually(t, func() bool { return f.engine.Stats().Done == 1 },
		2*time.Second, 10*time.Millisecond, "the event delivery finalizes")
	f.ctrl.expectQuiet(t)
}

func TestManagerModeSwitchStopsPublish(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: false, postRecord: 2 * time.Second})
	stream := newFakeStream("front", motionConfig())
	f.attach(t, stream)

	f.handle(t, &camproto.StreamStart{Head: camproto.Head{MsgID: 1}, StreamID: "front", Reason: camproto.ReasonRecordByEvent})
	f.expectDone(t, 1, camproto.StatusOK)
	require.Equal(t, ModeByEventRTMPPublish, f.mgr.Mode())

	f.events.NotifyEvent(Event{Name: "motion", Time: at(5), Active: ptrBool(true)})
	assert.Equal(t, "rtmp://media.example/live", stream.expectStart(t))
	_, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)

	// Leaving the publish mode mid-event ends the published stretch;
	// the stream stops after the post-roll even though the event is
	// still active.
	f.disp.RunOnLoop(func() { f.mgr.setMode(ModeByEventDirectUpload) })
	f.settle(t)
	stream.expectIdle(t)
	f.advance(t, 2*time.Second)
	stream.expectStop(t)
}

func TestManagerQoSReport(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})

	f.disp.RunOnLoop(func() { f.mgr.OnPrepared() })

	ev, ok := f.ctrl.nextSent(t).(*camproto.CamEvent)
	require.True(t, ok)
	assert.Equal(t, EventQoSReport, ev.Event)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(ev.Meta, &stats))
	assert.Contains(t, stats, "cpu_percent")
	assert.Contains(t, stats, "mem_percent")
	assert.Contains(t, stats, "disk_free")
	assert.Contains(t, stats, "load1")
}

func TestManagerManualSync(t *testing.T) {
	leakCheck(t)
	srv, hits := captureServer(t, http.StatusOK)
	f := startManager(t, managerOpts{memorycard: true})
	f.store.put(span(0, 6), timeline.CategoryVideo, []byte("chunk"))

	f.mgr.ManualSync(span(0, 6), "ops-1")

	answerAck(t, f.disp, f.ctrl.nextAck(t), false, &camproto.DirectUploadURL{Status: "OK", URL: srv.URL + "/chunk"})
	assert.Equal(t, []byte("chunk"), nextHit(t, hits).body)
	assert.Eventually(t, func() bool { return f.engine.Stats().Done == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestManagerUnsupportedCommand(t *testing.T) {
	leakCheck(t)
	f := startManager(t, managerOpts{memorycard: true})

	f.handle(t, &camproto.Hello{Head: camproto.Head{MsgID: 9}})
	f.expectDone(t, 9, camproto.StatusNotSupported)
}
