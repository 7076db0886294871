// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package app implements the camera agent: the control-plane session, the
// event engine, the recording synchronizer wiring, the upload orchestrator,
// and the local operations endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/diskstore"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/httpclient"
	"github.com/camcloud-dev/camagent/pkg/recsync"
	"github.com/camcloud-dev/camagent/pkg/s3store"
	"github.com/camcloud-dev/camagent/pkg/timeline"
)

// Agent ties the components together around one dispatcher. Construction
// wires everything; Start begins connecting and Stop tears down in the
// reverse dependency order.
type Agent struct {
	cfg *AgentConfig
	log *slog.Logger

	disp     *dispatch.Dispatcher
	httpc    *httpclient.Client
	local    *diskstore.Store // nil without a recordings dir
	session  *Session
	engine   *recsync.Engine
	events   *EventEngine
	uploader *Uploader
	manager  *Manager
	index    *remoteIndex
}

// NewAgent builds the agent from a validated config.
func NewAgent(cfg *AgentConfig) (*Agent, error) {
	log := slog.Default()
	token, err := camproto.ParseToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	disp := dispatch.NewDispatcher(nil)
	httpc := httpclient.New(httpclient.Config{
		InsecureSkipVerify: cfg.AllowInvalidSSLCerts,
	})

	var local *diskstore.Store
	var source timeline.Storage
	memorycardOK := false
	if cfg.RecordingsDir != "" {
		local, err = diskstore.Open(cfg.RecordingsDir, log)
		if err != nil {
			log.Warn("recordings unavailable, running without memorycard",
				"dir", cfg.RecordingsDir, "err", err)
		} else {
			source = local
			memorycardOK = true
		}
	}
	if source == nil {
		source = noStorage{}
	}

	var bucket timeline.Storage
	if cfg.Storage.Bucket != "" {
		st, err := s3store.New(context.Background(), s3store.Config{
			Bucket:       cfg.Storage.Bucket,
			Prefix:       cfg.Storage.Prefix,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			AccessKey:    cfg.Storage.AccessKey,
			SecretKey:    cfg.Storage.SecretKey,
			UsePathStyle: cfg.Storage.PathStyle,
			Log:          log,
		})
		if err != nil {
			log.Warn("remote storage index unavailable", "err", err)
		} else {
			bucket = st
		}
	}

	manager := NewManager(disp, ManagerConfig{
		PreRecord:    cfg.PreRecordTime(),
		PostRecord:   cfg.PostRecordTime(),
		UploadDelay:  cfg.UploadStartDelay(),
		MemorycardOK: memorycardOK,
		QoSPath:      cfg.RecordingsDir,
		Log:          log,
	})
	session := NewSession(SessionConfig{
		Token:      token,
		Label:      cfg.CamLabel,
		Insecure:   cfg.InsecureCloudChannel,
		SkipVerify: cfg.AllowInvalidSSLCerts,
		Log:        log,
	}, disp, manager)
	uploader := NewUploader(session, disp, httpc, source, UploaderConfig{
		MaxVideo:    cfg.MaxConcurrentVideoUploads,
		MaxSnapshot: cfg.MaxConcurrentSnapshotUploads,
		MaxFileMeta: cfg.MaxConcurrentFileMetaUploads,
		MaxSpeed:    cfg.MaxUploadSpeed,
		Lateness:    cfg.QueueLateness(),
		Log:         log,
	})
	index := newRemoteIndex(disp, uploader, bucket, nil, log)
	engine := recsync.NewEngine(source, index, disp, recsync.Config{
		Step: cfg.UploadStep(),
		Log:  log,
	})
	events := NewEventEngine(disp, manager, EngineConfig{
		KickSnapshot: cfg.StatefulEventContinuationKickSnapshot,
		Log:          log,
	})
	manager.Bind(session, engine, events, uploader, index, source)

	return &Agent{
		cfg:      cfg,
		log:      log,
		disp:     disp,
		httpc:    httpc,
		local:    local,
		session:  session,
		engine:   engine,
		events:   events,
		uploader: uploader,
		manager:  manager,
		index:    index,
	}, nil
}

// Start launches the dispatcher and begins connecting to the cloud.
func (a *Agent) Start() {
	a.disp.Start()
	a.events.Start()
	a.uploader.Start()
	a.session.Start()
	a.disp.RunOnLoop(func() { a.index.Refresh() })
	a.log.Info("agent started", "memorycard", a.manager.MemorycardOK())
}

// Stop tears the agent down: producers first, then the transfer layers,
// the dispatcher last.
func (a *Agent) Stop() {
	a.session.Stop()
	a.events.Stop()
	a.manager.Stop()
	a.engine.Stop()
	a.uploader.Stop()
	a.httpc.Stop()
	a.disp.Stop()
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.log.Warn("recordings close failed", "err", err)
		}
	}
	a.log.Info("agent stopped")
}

// AttachStream registers a media producer with the manager and declares
// its events.
func (a *Agent) AttachStream(ms MediaStream) {
	a.manager.AttachStream(ms)
}

// NotifyEvent injects one event occurrence, for producers that raise
// events without being media streams.
func (a *Agent) NotifyEvent(ev Event) {
	a.events.NotifyEvent(ev)
}

// noStorage stands in for the local recordings when none are configured.
// The manager refuses sync operations in that case, so nothing should
// reach it.
type noStorage struct{}

func (noStorage) List(context.Context, timeline.Time, timeline.Time) ([]*timeline.Item, error) {
	return nil, nil
}

func (noStorage) Load(context.Context, *timeline.Item) error {
	return errors.New("no local recordings configured")
}

func (noStorage) Store(context.Context, *timeline.Item) error {
	return errors.New("no local recordings configured")
}

func (noStorage) StoreAsync(_ *timeline.Item, done func(ok bool), _ func() bool) {
	done(false)
}
