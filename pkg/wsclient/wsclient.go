// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package wsclient provides the WebSocket connection the control session
// runs on: a TX queue drained by one writer goroutine, a reader goroutine
// delivering frames, and ping/pong keep-alive. Reconnection policy belongs
// to the session layer, which dials again when told to.
package wsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Keep-alive policy: probe after PingInterval idle, drop the connection
// after PongTimeout without any traffic or pong.
const (
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultPingInterval     = 10 * time.Second
	DefaultPongTimeout      = 30 * time.Second

	defaultTxQueueSize = 64
	writeWait          = 10 * time.Second
	closeGrace         = 2 * time.Second
)

// ErrClosed is returned by Send when no connection is established.
var ErrClosed = errors.New("websocket not connected")

// Config carries the dial and keep-alive settings.
type Config struct {
	HandshakeTimeout   time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	TxQueueSize        int
	InsecureSkipVerify bool
	RequestHeader      http.Header
	Log                *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.TxQueueSize == 0 {
		c.TxQueueSize = defaultTxQueueSize
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Callbacks fire on the client's internal goroutines. OnMessage runs on
// the reader; handlers must hand the frame off quickly. OnClosed fires at
// most once per established connection and not on a local Close.
type Callbacks struct {
	OnMessage func(data []byte)
	OnClosed  func(err error)
}

// wsConn is the per-connection state. A fresh one is made on every dial so
// stale goroutines can never touch a newer connection.
type wsConn struct {
	conn     *websocket.Conn
	tx       chan []byte
	quit     chan struct{}
	quitOnce sync.Once
}

func (cw *wsConn) shutdown() {
	cw.quitOnce.Do(func() { close(cw.quit) })
}

// Client is a WebSocket client for one logical peer. It holds at most one
// connection at a time; Dial after a disconnect establishes the next one.
type Client struct {
	cfg Config
	cbs Callbacks
	log *slog.Logger

	mu      sync.Mutex
	cur     *wsConn
	closing bool
	wg      sync.WaitGroup
}

// New returns an unconnected client.
func New(cfg Config, cbs Callbacks) *Client {
	cfg.fillDefaults()
	return &Client{cfg: cfg, cbs: cbs, log: cfg.Log}
}

// Dial connects to wsURL and starts the reader and writer goroutines.
func (c *Client) Dial(ctx context.Context, wsURL string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if c.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, c.cfg.RequestHeader)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %s: %w", wsURL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	cw := &wsConn{
		conn: conn,
		tx:   make(chan []byte, c.cfg.TxQueueSize),
		quit: make(chan struct{}),
	}

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("already connected")
	}
	c.cur = cw
	c.closing = false
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	c.wg.Add(2)
	go c.readLoop(cw)
	go c.writeLoop(cw)
	return nil
}

// Send queues one text frame, blocking while the TX queue is full.
// Frames are written in Send order.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	cw := c.cur
	c.mu.Unlock()
	if cw == nil {
		return ErrClosed
	}
	select {
	case cw.tx <- data:
		return nil
	case <-cw.quit:
		return ErrClosed
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Close performs a graceful shutdown: the writer sends a close frame, the
// reader drains the peer's close reply, and both goroutines are joined.
// OnClosed does not fire for a local Close.
func (c *Client) Close() {
	c.mu.Lock()
	cw := c.cur
	c.closing = true
	c.mu.Unlock()
	if cw == nil {
		return
	}
	cw.shutdown()
	_ = cw.conn.SetReadDeadline(time.Now().Add(closeGrace))
	c.wg.Wait()

	c.mu.Lock()
	if c.cur == cw {
		c.cur = nil
	}
	c.mu.Unlock()
	_ = cw.conn.Close()
}

func (c *Client) readLoop(cw *wsConn) {
	defer c.wg.Done()
	for {
		_, data, err := cw.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket closed by peer", "err", err)
			}
			c.teardown(cw, err)
			return
		}
		_ = cw.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		if c.cbs.OnMessage != nil {
			c.cbs.OnMessage(data)
		}
	}
}

func (c *Client) writeLoop(cw *wsConn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-cw.tx:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cw.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown(cw, err)
				return
			}
		case <-ticker.C:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cw.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(cw, err)
				return
			}
		case <-cw.quit:
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cw.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// teardown retires one connection. The first caller wins; OnClosed fires
// only when the close was not requested locally.
func (c *Client) teardown(cw *wsConn, err error) {
	cw.shutdown()
	c.mu.Lock()
	active := c.cur == cw
	if active {
		c.cur = nil
	}
	closing := c.closing
	c.mu.Unlock()
	_ = cw.conn.Close()
	if active && !closing && c.cbs.OnClosed != nil {
		c.cbs.OnClosed(err)
	}
}
