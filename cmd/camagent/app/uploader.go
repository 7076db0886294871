// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/httpclient"
	"github.com/camcloud-dev/camagent/pkg/mediaprobe"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// urlAckTimeout bounds the wait for a direct_upload_url reply.
const urlAckTimeout = 20 * time.Second

const videoQueueSize = 64

// Payload is one event attachment (snapshot or file-meta document).
// OnFinished runs on the dispatcher exactly once per payload handed to
// SendEvent; Canceled, when set, is polled during the transfer.
type Payload struct {
	Category   timeline.Category
	MediaType  string
	FileTime   timeline.Time
	Data       []byte
	OnFinished func(ok bool)
	Canceled   func() bool
}

type videoJob struct {
	item     *timeline.Item
	done     func(ok bool)
	canceled func() bool
	enqueued time.Time
}

// fileMetaDoc is the file_meta document the cloud stores next to an
// event's recording.
type fileMetaDoc struct {
	Begin        string          `json:"begin"`
	End          string          `json:"end"`
	Size         int64           `json:"size"`
	DurationMS   int64           `json:"duration_ms"`
	Fragmented   bool            `json:"fragmented"`
	SampleCount  int             `json:"sample_count"`
	Tracks       []fileMetaTrack `json:"tracks,omitempty"`
	UnorderedDTS bool            `json:"unordered_dts,omitempty"`
}

type fileMetaTrack struct {
	Kind   string `json:"kind"`
	Codec  string `json:"codec"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// fileMetaPayload renders the file_meta document for a probed video item.
func fileMetaPayload(it *timeline.Item, info mediaprobe.Info) *Payload {
	doc := fileMetaDoc{
		Begin:        it.Period.Begin.Canonical(),
		End:          it.Period.End.Canonical(),
		Size:         it.Size(),
		DurationMS:   info.Duration.Milliseconds(),
		Fragmented:   info.Fragmented,
		SampleCount:  info.SampleCount,
		UnorderedDTS: info.UnorderedDTS != nil,
	}
	for _, tr := range info.Tracks {
		doc.Tracks = append(doc.Tracks, fileMetaTrack{
			Kind:   tr.Kind,
			Codec:  tr.Codec,
			Width:  tr.Width,
			Height: tr.Height,
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return &Payload{
		Category:  timeline.CategoryFileMeta,
		MediaType: timeline.CategoryFileMeta.MediaType(),
		FileTime:  it.Period.Begin,
		Data:      data,
	}
}

// UploaderConfig carries the concurrency budgets and transfer limits.
type UploaderConfig struct {
	MaxVideo    int
	MaxSnapshot int
	MaxFileMeta int
	// MaxSpeed caps each PUT in bytes per second; zero means unlimited.
	MaxSpeed int
	// Lateness drops queued video jobs older than this; zero disables.
	Lateness time.Duration
	Clock    clockwork.Clock
	Log      *slog.Logger
}

func (c *UploaderConfig) fillDefaults() {
	if c.MaxVideo <= 0 {
		c.MaxVideo = 2
	}
	if c.MaxSnapshot <= 0 {
		c.MaxSnapshot = 4
	}
	if c.MaxFileMeta <= 0 {
		c.MaxFileMeta = 6
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Uploader moves payloads to cloud storage: video chunks through a bounded
// queue drained by MaxVideo workers, event attachments through per-category
// slot budgets. URLs come from the control session (get_direct_upload_url
// for chunks, cam_event descriptors for attachments); transfers run as
// header-forwarding PUTs, with a multipart POST to the session upload_url
// as the fallback for payloads the cloud issued no URL for.
type Uploader struct {
	ctrl  control
	disp  *dispatch.Dispatcher
	httpc *httpclient.Client
	// loader fills empty video items from local storage.
	loader timeline.Storage
	clock  clockwork.Clock
	log    *slog.Logger
	cfg    UploaderConfig

	videoQueue *dispatch.Queue[*videoJob]
	wg         sync.WaitGroup
	stopped    atomic.Bool

	snapshotSlots chan struct{}
	fileMetaSlots chan struct{}
}

// NewUploader wires the uploader. loader is the local store video items
// are read from when they arrive without payloads.
func NewUploader(ctrl control, disp *dispatch.Dispatcher, httpc *httpclient.Client,
	loader timeline.Storage, cfg UploaderConfig) *Uploader {
	cfg.fillDefaults()
	return &Uploader{
		ctrl:          ctrl,
		disp:          disp,
		httpc:         httpc,
		loader:        loader,
		clock:         cfg.Clock,
		log:           cfg.Log,
		cfg:           cfg,
		videoQueue:    dispatch.NewQueue[*videoJob](videoQueueSize),
		snapshotSlots: make(chan struct{}, cfg.MaxSnapshot),
		fileMetaSlots: make(chan struct{}, cfg.MaxFileMeta),
	}
}

// Start launches the video workers.
func (u *Uploader) Start() {
	for i := 0; i < u.cfg.MaxVideo; i++ {
		u.wg.Add(1)
		go u.videoWorker()
	}
}

// Stop drains the video queue and waits for in-flight transfers. Call
// after the producers (engine, manager) stop and before the dispatcher.
func (u *Uploader) Stop() {
	u.stopped.Store(true)
	u.videoQueue.Close()
	u.wg.Wait()
}

// UploadVideo queues one chunk upload. done fires exactly once; a full
// queue fails the chunk immediately instead of blocking the caller.
// Dispatcher goroutine only.
func (u *Uploader) UploadVideo(it *timeline.Item, done func(ok bool), canceled func() bool) {
	job := &videoJob{item: it, done: done, canceled: canceled, enqueued: u.clock.Now()}
	if u.videoQueue.Len() >= videoQueueSize || !u.videoQueue.Push(job) {
		u.log.Warn("video upload queue full, dropping chunk", "period", it.Period)
		metrics.uploads.WithLabelValues("video", "queue_full").Inc()
		done(false)
	}
}

func (u *Uploader) videoWorker() {
	defer u.wg.Done()
	for {
		job, ok := u.videoQueue.Pop()
		if !ok {
			return
		}
		u.processVideo(job)
	}
}

func (u *Uploader) jobCanceled(canceled func() bool) func() bool {
	return func() bool {
		return u.stopped.Load() || (canceled != nil && canceled())
	}
}

// processVideo runs one chunk end to end on a worker goroutine: lateness
// check, payload load, URL acquisition, PUT.
func (u *Uploader) processVideo(job *videoJob) {
	it := job.item
	canceled := u.jobCanceled(job.canceled)
	if canceled() {
		u.finishVideo(job, false, "canceled")
		return
	}
	if u.cfg.Lateness > 0 && u.clock.Since(job.enqueued) > u.cfg.Lateness {
		u.log.Warn("video chunk too late, dropping", "period", it.Period,
			"queued_for", u.clock.Since(job.enqueued))
		u.finishVideo(job, false, "late")
		return
	}
	if it.State == timeline.ItemEmpty {
		if err := u.loader.Load(context.Background(), it); err != nil {
			u.log.Error("chunk load failed", "period", it.Period, "err", err)
			u.finishVideo(job, false, "error")
			return
		}
	}

	req := &camproto.GetDirectUploadURL{
		Category:   string(timeline.CategoryVideo),
		MediaType:  it.MediaType,
		FileTime:   it.Period.Begin.Packed(),
		DurationUS: it.Period.Duration().Microseconds(),
		Size:       it.Size(),
	}
	reply, ok := u.requestURL(req)
	if !ok {
		u.finishVideo(job, false, "timeout")
		return
	}
	target, ok := mainTarget(reply)
	if !ok {
		u.log.Warn("upload url refused", "status", reply.Status, "period", it.Period)
		u.finishVideo(job, false, "error")
		return
	}
	ok = u.put(target, it.Payload, it.MediaType, canceled)
	result := "ok"
	if !ok {
		result = "error"
	} else {
		metrics.uploadBytes.Observe(float64(it.Size()))
	}
	u.finishVideo(job, ok, result)
}

func (u *Uploader) finishVideo(job *videoJob, ok bool, result string) {
	metrics.uploads.WithLabelValues("video", result).Inc()
	job.item.Payload = nil
	job.done(ok)
}

type ackResult struct {
	timedOut bool
	reply    camproto.Command
}

// requestURL runs the get_direct_upload_url round trip from a worker
// goroutine, blocking until the ack table resolves it.
func (u *Uploader) requestURL(req *camproto.GetDirectUploadURL) (*camproto.DirectUploadURL, bool) {
	ch := make(chan ackResult, 1)
	u.disp.RunOnLoop(func() {
		err := u.ctrl.SendWithAck(req, urlAckTimeout, func(timedOut bool, reply camproto.Command) {
			ch <- ackResult{timedOut: timedOut, reply: reply}
		})
		if err != nil {
			ch <- ackResult{timedOut: true}
		}
	})
	res := <-ch
	if res.timedOut {
		return nil, false
	}
	duu, ok := res.reply.(*camproto.DirectUploadURL)
	if !ok {
		return nil, false
	}
	return duu, true
}

// mainTarget extracts the primary URL of an OK reply.
func mainTarget(duu *camproto.DirectUploadURL) (camproto.UploadTarget, bool) {
	if duu.Status != "OK" || duu.URL == "" {
		return camproto.UploadTarget{}, false
	}
	return camproto.UploadTarget{URL: duu.URL, Headers: duu.Headers}, true
}

// put PUTs data to the issued URL, forwarding every issued header except
// Content-Length, which the HTTP layer sets itself.
func (u *Uploader) put(target camproto.UploadTarget, data []byte, mediaType string, canceled func() bool) bool {
	hdr := forwardHeaders(target.Headers)
	if hdr.Get("Content-Type") == "" && mediaType != "" {
		hdr.Set("Content-Type", mediaType)
	}
	resp, err := u.httpc.DoSync(context.Background(), &httpclient.Request{
		Method:    http.MethodPut,
		URL:       target.URL,
		Header:    hdr,
		Body:      data,
		RateLimit: u.cfg.MaxSpeed,
		NoTimeout: true,
		Canceled:  canceled,
	})
	if err != nil {
		u.log.Warn("upload failed", "url", target.URL, "err", err)
		return false
	}
	if !resp.Ok() {
		u.log.Warn("upload rejected", "url", target.URL, "status", resp.Status)
		return false
	}
	return true
}

func forwardHeaders(headers map[string]string) http.Header {
	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

// attachment is one payload riding on an event, with its slot bookkeeping.
type attachment struct {
	payload *Payload
	slots   chan struct{}
	target  camproto.UploadTarget
	hasURL  bool
}

// SendEvent transmits a cam_event and uploads its payloads. Slots are
// try-acquired per category: when a budget is exhausted the event still
// goes out, just without that payload. The event itself is never dropped
// for payload reasons; only a not-ready session discards it. Dispatcher
// goroutine only.
func (u *Uploader) SendEvent(ev *camproto.CamEvent, snapshot, fileMeta *Payload) {
	var atts []*attachment
	if snapshot != nil {
		if u.acquire(u.snapshotSlots) {
			ev.Snapshot = &camproto.PayloadInfo{
				Size:      int64(len(snapshot.Data)),
				MediaType: snapshot.MediaType,
			}
			atts = append(atts, &attachment{payload: snapshot, slots: u.snapshotSlots})
		} else {
			u.skipPayload(snapshot)
		}
	}
	if fileMeta != nil {
		if u.acquire(u.fileMetaSlots) {
			ev.FileMeta = &camproto.PayloadInfo{
				Size:      int64(len(fileMeta.Data)),
				MediaType: fileMeta.MediaType,
			}
			atts = append(atts, &attachment{payload: fileMeta, slots: u.fileMetaSlots})
		} else {
			u.skipPayload(fileMeta)
		}
	}

	if len(atts) == 0 {
		if err := u.ctrl.Send(ev); err != nil {
			u.log.Warn("event dropped, session not ready", "event", ev.Event)
		}
		return
	}

	err := u.ctrl.SendWithAck(ev, urlAckTimeout, func(timedOut bool, reply camproto.Command) {
		u.onEventAck(atts, timedOut, reply)
	})
	if err != nil {
		u.log.Warn("event dropped, session not ready", "event", ev.Event)
		for _, att := range atts {
			u.failAttachment(att)
		}
	}
}

// skipPayload records a payload the event went out without.
func (u *Uploader) skipPayload(p *Payload) {
	u.log.Warn("payload slots exhausted, event sent without payload",
		"category", p.Category)
	metrics.skippedPayloads.WithLabelValues(string(p.Category)).Inc()
	if p.OnFinished != nil {
		p.OnFinished(false)
	}
}

func (u *Uploader) failAttachment(att *attachment) {
	u.release(att.slots)
	metrics.uploads.WithLabelValues(string(att.payload.Category), "timeout").Inc()
	if att.payload.OnFinished != nil {
		att.payload.OnFinished(false)
	}
}

// onEventAck wires issued URLs to their payloads and starts the transfers.
// Extra targets match by category; the main URL goes to the first payload
// left without one. The rest fall back to the multipart endpoint.
func (u *Uploader) onEventAck(atts []*attachment, timedOut bool, reply camproto.Command) {
	if timedOut {
		for _, att := range atts {
			u.failAttachment(att)
		}
		return
	}
	duu, ok := reply.(*camproto.DirectUploadURL)
	if ok && duu.Status == "OK" {
		for _, att := range atts {
			for _, extra := range duu.Extra {
				if extra.Category == string(att.payload.Category) {
					att.target = extra
					att.hasURL = true
					break
				}
			}
		}
		if duu.URL != "" {
			for _, att := range atts {
				if !att.hasURL {
					att.target = camproto.UploadTarget{URL: duu.URL, Headers: duu.Headers}
					att.hasURL = true
					break
				}
			}
		}
	}
	for _, att := range atts {
		// Once Stop has begun, wg.Add would race its Wait.
		if u.stopped.Load() {
			u.failAttachment(att)
			continue
		}
		u.wg.Add(1)
		go u.transferAttachment(att)
	}
}

// transferAttachment moves one event payload on its own goroutine and
// reports back through the dispatcher.
func (u *Uploader) transferAttachment(att *attachment) {
	defer u.wg.Done()
	p := att.payload
	canceled := u.jobCanceled(p.Canceled)
	var ok bool
	if att.hasURL {
		ok = u.put(att.target, p.Data, p.MediaType, canceled)
	} else {
		ok = u.postMultipart(p, canceled)
	}
	result := "ok"
	if !ok {
		result = "error"
	} else {
		metrics.uploadBytes.Observe(float64(len(p.Data)))
	}
	metrics.uploads.WithLabelValues(string(p.Category), result).Inc()
	u.release(att.slots)
	if p.OnFinished != nil {
		u.disp.RunOnLoop(func() { p.OnFinished(ok) })
	}
}

// postMultipart is the fallback for payloads without an issued URL: a
// multipart POST to the session-scoped upload endpoint from hello.
func (u *Uploader) postMultipart(p *Payload, canceled func() bool) bool {
	uploadURL := u.ctrl.Info().UploadURL
	if uploadURL == "" {
		u.log.Warn("no upload url for fallback", "category", p.Category)
		return false
	}
	fields := map[string]string{
		"category":  string(p.Category),
		"file_time": p.FileTime.Packed(),
	}
	body, contentType, err := httpclient.BuildMultipart(fields, []httpclient.FilePart{{
		Field:       "file",
		FileName:    p.FileTime.Packed() + p.Category.Ext(),
		ContentType: p.MediaType,
		Data:        p.Data,
	}})
	if err != nil {
		u.log.Error("multipart build failed", "err", err)
		return false
	}
	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)
	resp, err := u.httpc.DoSync(context.Background(), &httpclient.Request{
		Method:    http.MethodPost,
		URL:       uploadURL,
		Header:    hdr,
		Body:      body,
		RateLimit: u.cfg.MaxSpeed,
		NoTimeout: true,
		Canceled:  canceled,
	})
	if err != nil {
		u.log.Warn("multipart upload failed", "url", uploadURL, "err", err)
		return false
	}
	if !resp.Ok() {
		u.log.Warn("multipart upload rejected", "url", uploadURL, "status", resp.Status)
		return false
	}
	return true
}

func (u *Uploader) acquire(slots chan struct{}) bool {
	select {
	case slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (u *Uploader) release(slots chan struct{}) {
	select {
	case <-slots:
	default:
	}
}
