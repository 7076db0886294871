// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package httpclient runs blocking HTTP 1.1 requests on a fixed worker
// pool so that callers on the dispatcher never wait on the network.
// Requests carry an optional upload-rate cap and a cancellation probe
// polled between body chunks.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/camcloud-dev/camagent/pkg/dispatch"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultWorkers   = 4
	defaultQueueSize = 64

	// Largest slice handed to the rate limiter in one Read.
	maxChunk = 32 * 1024
)

var (
	// ErrCanceled is returned when a request's Canceled probe fires.
	ErrCanceled = errors.New("request canceled")
	// ErrStopped is returned by Do after Stop.
	ErrStopped = errors.New("http client stopped")
)

// Config carries pool-wide settings.
type Config struct {
	Workers            int
	QueueSize          int
	Timeout            time.Duration // per request unless overridden
	InsecureSkipVerify bool
	Log                *slog.Logger
}

// Request describes one HTTP exchange. RateLimit caps body upload in
// bytes per second; zero means unlimited. NoTimeout lifts the overall
// deadline for long uploads, which then end only on completion, error,
// or cancellation. Canceled, when set, is polled between body chunks.
type Request struct {
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	RateLimit int
	Timeout   time.Duration
	NoTimeout bool
	Canceled  func() bool
}

// Response is a fully read reply.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Ok reports a 2xx status.
func (r *Response) Ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Callback receives the outcome on a worker goroutine. Implementations
// must not block; post follow-up work back to the dispatcher.
type Callback func(resp *Response, err error)

type call struct {
	req *Request
	cb  Callback
}

// Client is the pooled HTTP client.
type Client struct {
	cfg   Config
	hc    *http.Client
	queue *dispatch.Queue[call]
	wg    sync.WaitGroup
	log   *slog.Logger
}

// New starts the worker pool.
func New(cfg Config) *Client {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	c := &Client{
		cfg:   cfg,
		hc:    &http.Client{Transport: tr},
		queue: dispatch.NewQueue[call](cfg.QueueSize),
		log:   cfg.Log,
	}
	c.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go c.worker()
	}
	return c
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		cl, ok := c.queue.Pop()
		if !ok {
			return
		}
		resp, err := c.execute(cl.req)
		if cl.cb != nil {
			cl.cb(resp, err)
		}
	}
}

// Do enqueues a request; cb fires on a worker goroutine when it finishes.
// Do blocks only while the queue is full.
func (c *Client) Do(req *Request, cb Callback) error {
	if !c.queue.Push(call{req: req, cb: cb}) {
		return ErrStopped
	}
	return nil
}

// DoSync runs the request on the calling goroutine, honoring ctx.
func (c *Client) DoSync(ctx context.Context, req *Request) (*Response, error) {
	return c.executeCtx(ctx, req)
}

// Stop closes the queue and waits for in-flight requests to finish.
// Queued but unstarted requests are dropped without their callbacks firing.
func (c *Client) Stop() {
	c.queue.Flush()
	c.queue.Close()
	c.wg.Wait()
	c.hc.CloseIdleConnections()
}

func (c *Client) execute(req *Request) (*Response, error) {
	ctx := context.Background()
	if !req.NoTimeout {
		timeout := req.Timeout
		if timeout == 0 {
			timeout = c.cfg.Timeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.executeCtx(ctx, req)
}

func (c *Client) executeCtx(ctx context.Context, req *Request) (*Response, error) {
	if req.Canceled != nil && req.Canceled() {
		return nil, ErrCanceled
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = newThrottledReader(ctx, bytes.NewReader(req.Body), req.RateLimit, req.Canceled)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", req.Method, req.URL, err)
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			hreq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 {
		hreq.ContentLength = int64(len(req.Body))
	}
	start := time.Now()
	hresp, err := c.hc.Do(hreq)
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.URL, err)
	}
	c.log.Debug("http request done", "method", req.Method, "url", req.URL,
		"status", hresp.StatusCode, "dur", time.Since(start))
	return &Response{
		StatusCode: hresp.StatusCode,
		Status:     hresp.Status,
		Header:     hresp.Header.Clone(),
		Body:       data,
	}, nil
}

// throttledReader feeds the transport in chunks, waiting on a token
// bucket sized to the byte rate. A nil limiter passes reads through.
type throttledReader struct {
	ctx      context.Context
	r        io.Reader
	limiter  *rate.Limiter
	canceled func() bool
}

func newThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int, canceled func() bool) *throttledReader {
	tr := &throttledReader{ctx: ctx, r: r, canceled: canceled}
	if bytesPerSec > 0 {
		burst := bytesPerSec
		if burst > maxChunk {
			burst = maxChunk
		}
		tr.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return tr
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if tr.canceled != nil && tr.canceled() {
		return 0, ErrCanceled
	}
	if tr.limiter == nil {
		return tr.r.Read(p)
	}
	if len(p) > tr.limiter.Burst() {
		p = p[:tr.limiter.Burst()]
	}
	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
