// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package app implements the bulk upload behind the camsync tool: one
// bounded recording sync from a local recordings tree to S3-compatible
// storage, skipping every stretch the bucket already holds.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/camcloud-dev/camagent/pkg/diskstore"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/mediaprobe"
	"github.com/camcloud-dev/camagent/pkg/recsync"
	"github.com/camcloud-dev/camagent/pkg/s3store"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// syncTicket is the cancellation ticket the one-shot sync runs under.
const syncTicket = "camsync"

// Options are the parsed command line options.
type Options struct {
	SrcDir  string
	Begin   string
	End     string
	Step    time.Duration
	Workers int

	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle bool

	LogFormat string
	LogLevel  string
	Version   bool
}

// Run executes one bounded sync and blocks until it goes terminal or the
// process is interrupted. A sync ending in any status but DONE is an error.
func Run(o *Options) error {
	begin, err := timeline.ParseTime(o.Begin)
	if err != nil {
		return fmt.Errorf("bad begin: %w", err)
	}
	end, err := timeline.ParseTime(o.End)
	if err != nil {
		return fmt.Errorf("bad end: %w", err)
	}
	if !end.After(begin) {
		return fmt.Errorf("end %s is not after begin %s", end, begin)
	}

	src, err := diskstore.Open(o.SrcDir, slog.Default())
	if err != nil {
		return fmt.Errorf("open recordings: %w", err)
	}
	defer src.Close()

	remote, err := s3store.New(context.Background(), s3store.Config{
		Bucket:       o.Bucket,
		Prefix:       o.Prefix,
		Region:       o.Region,
		Endpoint:     o.Endpoint,
		AccessKey:    o.AccessKey,
		SecretKey:    o.SecretKey,
		UsePathStyle: o.PathStyle,
	})
	if err != nil {
		return err
	}
	dst := newUploadStore(src, remote, o.Workers, slog.Default())
	if err := dst.prime(context.Background(), begin, end); err != nil {
		return err
	}

	disp := dispatch.NewDispatcher(nil)
	disp.Start()
	defer disp.Stop()
	engine := recsync.NewEngine(src, dst, disp, recsync.Config{Step: o.Step})
	defer engine.Stop()

	type outcome struct {
		status  recsync.Status
		planned int
		done    int
		failed  int
	}
	terminal := make(chan outcome, 1)
	slog.Info("sync starting", "begin", begin, "end", end, "step", o.Step)
	engine.Sync(timeline.NewPeriod(begin, end), syncTicket, 0,
		func(progress int, status recsync.Status, req *recsync.Request) {
			planned, done, failed := req.Counters()
			if !status.Terminal() {
				slog.Info("sync progress", "progress", progress,
					"planned", planned, "done", done, "failed", failed)
				return
			}
			terminal <- outcome{status: status, planned: planned, done: done, failed: failed}
		})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	var out outcome
	select {
	case out = <-terminal:
	case <-stop:
		slog.Info("interrupted, canceling sync")
		engine.Cancel(syncTicket)
		out = <-terminal
	}
	slog.Info("sync finished", "status", out.status, "planned", out.planned,
		"done", out.done, "failed", out.failed, "probed", dst.probed.Load(),
		"dts_warnings", dst.dtsWarnings.Load())
	if out.status != recsync.StatusDone {
		return fmt.Errorf("sync ended %s", out.status)
	}
	return nil
}

// uploadStore is the sync destination: the engine's List calls are served
// from a primed in-memory view of the bucket, while stores run a
// load-probe-put pipeline bounded by the worker budget. The probe only
// warns; a slice with broken decode times still uploads.
type uploadStore struct {
	src    timeline.Storage
	remote *s3store.Store
	log    *slog.Logger
	slots  chan struct{}

	mu      sync.Mutex
	periods []timeline.Period

	probed      atomic.Int64
	dtsWarnings atomic.Int64
}

func newUploadStore(src timeline.Storage, remote *s3store.Store, workers int, log *slog.Logger) *uploadStore {
	if workers < 1 {
		workers = 1
	}
	return &uploadStore{
		src:    src,
		remote: remote,
		log:    log,
		slots:  make(chan struct{}, workers),
	}
}

// prime caches the bucket listing for the range so the engine's List calls
// never touch the network.
func (s *uploadStore) prime(ctx context.Context, begin, end timeline.Time) error {
	items, err := s.remote.List(ctx, begin, end)
	if err != nil {
		return fmt.Errorf("list bucket: %w", err)
	}
	var periods []timeline.Period
	for _, it := range items {
		if it.Category == timeline.CategoryVideo {
			periods = append(periods, it.Period)
		}
	}
	s.mu.Lock()
	s.periods = timeline.Squash(periods)
	s.mu.Unlock()
	s.log.Info("bucket primed", "covered", len(s.periods))
	return nil
}

func (s *uploadStore) insert(p timeline.Period) {
	s.mu.Lock()
	s.periods = timeline.Squash(append(s.periods, p))
	s.mu.Unlock()
}

func (s *uploadStore) List(_ context.Context, begin, end timeline.Time) ([]*timeline.Item, error) {
	query := timeline.NewPeriod(begin, end)
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*timeline.Item
	for _, p := range s.periods {
		if p.Intersects(query) {
			items = append(items, timeline.NewItem(p, timeline.CategoryVideo))
		}
	}
	return items, nil
}

func (s *uploadStore) Load(ctx context.Context, it *timeline.Item) error {
	return s.remote.Load(ctx, it)
}

func (s *uploadStore) Store(ctx context.Context, it *timeline.Item) error {
	return s.remote.Store(ctx, it)
}

// StoreAsync loads the slice from the local tree, probes it, and puts it
// to the bucket. done is called exactly once; canceled aborts between the
// slot wait and the put.
func (s *uploadStore) StoreAsync(it *timeline.Item, done func(ok bool), canceled func() bool) {
	go func() {
		s.slots <- struct{}{}
		defer func() { <-s.slots }()
		if canceled != nil && canceled() {
			done(false)
			return
		}
		if it.State == timeline.ItemEmpty {
			if err := s.src.Load(context.Background(), it); err != nil {
				s.log.Error("slice load failed", "period", it.Period, "err", err)
				done(false)
				return
			}
		}
		if it.Category == timeline.CategoryVideo {
			s.probe(it)
		}
		err := s.remote.Store(context.Background(), it)
		if err != nil {
			s.log.Error("slice upload failed", "period", it.Period, "err", err)
		} else {
			s.log.Info("slice uploaded", "period", it.Period, "size", it.Size())
			s.insert(it.Period)
		}
		it.Payload = nil
		done(err == nil)
	}()
}

// probe validates one slice before upload and reports decode-time
// regressions.
func (s *uploadStore) probe(it *timeline.Item) {
	info, err := mediaprobe.ProbeBytes(it.Payload)
	if err != nil {
		s.log.Warn("probe failed, uploading anyway", "period", it.Period, "err", err)
		return
	}
	s.probed.Add(1)
	if info.UnorderedDTS != nil {
		s.dtsWarnings.Add(1)
		s.log.Warn("decode time regression", "period", it.Period,
			"track", info.UnorderedDTS.TrackID,
			"before", info.UnorderedDTS.Before, "after", info.UnorderedDTS.After)
	}
}
