// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

const (
	// refreshWindow bounds how far back a bucket re-list reaches. Older
	// slices missing from the cache are re-uploaded under the same keys,
	// which costs bandwidth but never correctness.
	refreshWindow  = 48 * time.Hour
	refreshTimeout = time.Minute
)

// remoteIndex is the destination timeline the sync engine steps against.
// List answers from a cached period set so the dispatcher never touches
// the network; StoreAsync hands chunks to the uploader and folds finished
// periods back into the cache. Refresh re-lists the bucket on a worker
// goroutine when one is configured.
type remoteIndex struct {
	disp  *dispatch.Dispatcher
	up    *Uploader
	s3    timeline.Storage // nil without a bucket
	clock clockwork.Clock
	log   *slog.Logger

	// dispatcher-owned
	periods    []timeline.Period
	refreshing bool
}

func newRemoteIndex(disp *dispatch.Dispatcher, up *Uploader, s3 timeline.Storage,
	clock clockwork.Clock, log *slog.Logger) *remoteIndex {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &remoteIndex{disp: disp, up: up, s3: s3, clock: clock, log: log}
}

// List returns the cached remote periods intersecting [begin, end).
// Dispatcher goroutine only.
func (r *remoteIndex) List(_ context.Context, begin, end timeline.Time) ([]*timeline.Item, error) {
	query := timeline.NewPeriod(begin, end)
	var out []*timeline.Item
	for _, p := range r.periods {
		if p.Intersects(query) {
			out = append(out, timeline.NewItem(p, timeline.CategoryVideo))
		}
	}
	return out, nil
}

func (r *remoteIndex) Load(context.Context, *timeline.Item) error {
	return errors.New("remote index holds no payloads")
}

func (r *remoteIndex) Store(context.Context, *timeline.Item) error {
	return errors.New("remote index stores through StoreAsync")
}

// StoreAsync queues the chunk on the uploader. A successful upload inserts
// the chunk's period into the cache before done is observed, so the next
// engine step already sees it.
func (r *remoteIndex) StoreAsync(it *timeline.Item, done func(ok bool), canceled func() bool) {
	p := it.Period
	r.up.UploadVideo(it, func(ok bool) {
		if ok {
			r.disp.RunOnLoop(func() { r.insert(p) })
		}
		done(ok)
	}, canceled)
}

func (r *remoteIndex) insert(p timeline.Period) {
	r.periods = timeline.Squash(append(r.periods, p))
}

// Refresh re-lists the recent bucket window and merges it into the cache.
// A no-op without a bucket or while a refresh is already running.
// Dispatcher goroutine only.
func (r *remoteIndex) Refresh() {
	if r.s3 == nil || r.refreshing {
		return
	}
	r.refreshing = true
	now := r.clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		items, err := r.s3.List(ctx,
			timeline.NewTime(now.Add(-refreshWindow)), timeline.NewTime(now))
		r.disp.RunOnLoop(func() {
			r.refreshing = false
			if err != nil {
				r.log.Warn("remote index refresh failed", "err", err)
				return
			}
			for _, it := range items {
				r.periods = append(r.periods, it.Period)
			}
			r.periods = timeline.Squash(r.periods)
			r.log.Debug("remote index refreshed", "periods", len(r.periods))
		})
	}()
}
