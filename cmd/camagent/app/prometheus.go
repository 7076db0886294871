// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

const service = "camagent"

// uploadByteBuckets spans snapshots (tens of kB) to long video chunks.
var uploadByteBuckets = []float64{1e4, 1e5, 5e5, 1e6, 5e6, 1e7, 5e7, 1e8}

const (
	cmdsReceivedName    = "commands_received_total"
	cmdsSentName        = "commands_sent_total"
	ackTimeoutsName     = "ack_timeouts_total"
	reconnectsName      = "reconnects_total"
	eventsProcessedName = "events_processed_total"
	eventsDroppedName   = "events_dropped_total"
	uploadsName         = "uploads_total"
	skippedPayloadsName = "skipped_payloads_total"
	syncRequestsName    = "sync_requests_total"
	syncTerminalName    = "sync_terminal_total"
	uploadBytesName     = "upload_bytes"
)

// agentMetrics aggregates every counter the agent exposes on /metrics.
type agentMetrics struct {
	cmdsReceived    *prometheus.CounterVec // by cmd
	cmdsSent        *prometheus.CounterVec // by cmd
	ackTimeouts     prometheus.Counter
	reconnects      prometheus.Counter
	eventsProcessed *prometheus.CounterVec // by event name
	eventsDropped   *prometheus.CounterVec // by reason
	uploads         *prometheus.CounterVec // by category, result
	skippedPayloads *prometheus.CounterVec // by category
	syncRequests    prometheus.Counter
	syncTerminal    *prometheus.CounterVec // by status
	uploadBytes     prometheus.Histogram
}

var metrics agentMetrics

func init() {
	metrics.cmdsReceived = newCounterVec(cmdsReceivedName,
		"Control commands received, partitioned by command name.", service, "cmd")
	metrics.cmdsSent = newCounterVec(cmdsSentName,
		"Control commands sent, partitioned by command name.", service, "cmd")
	metrics.ackTimeouts = newCounter(ackTimeoutsName,
		"Commands sent with ack that timed out.", service)
	metrics.reconnects = newCounter(reconnectsName,
		"Control channel teardowns followed by a reconnect attempt.", service)
	metrics.eventsProcessed = newCounterVec(eventsProcessedName,
		"Events accepted by the event engine, partitioned by event name.", service, "event")
	metrics.eventsDropped = newCounterVec(eventsDroppedName,
		"Events dropped by the event engine, partitioned by reason.", service, "reason")
	metrics.uploads = newCounterVec(uploadsName,
		"Finished payload uploads, partitioned by category and result.", service, "category", "result")
	metrics.skippedPayloads = newCounterVec(skippedPayloadsName,
		"Event payloads skipped because their category slots were full.", service, "category")
	metrics.syncRequests = newCounter(syncRequestsName,
		"Sync requests handed to the timeline synchronizer.", service)
	metrics.syncTerminal = newCounterVec(syncTerminalName,
		"Sync requests reaching a terminal status, partitioned by status.", service, "status")
	metrics.uploadBytes = newHistogram(uploadBytesName,
		"Size of successfully uploaded payloads in bytes.", service, uploadByteBuckets)
}

func newCounter(counterName, help, serviceName string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        counterName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
	})
	prometheus.MustRegister(c)
	return c
}

func newCounterVec(counterName, help, serviceName string, labels ...string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        counterName,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		labels,
	)
	prometheus.MustRegister(cv)
	return cv
}

func newHistogram(histogramName, help, serviceName string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        histogramName,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": serviceName},
		Buckets:     buckets,
	})
	prometheus.MustRegister(h)
	return h
}
