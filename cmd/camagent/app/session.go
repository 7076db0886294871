// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/camcloud-dev/camagent/internal"
	"github.com/camcloud-dev/camagent/pkg/camproto"
	"github.com/camcloud-dev/camagent/pkg/dispatch"
	"github.com/camcloud-dev/camagent/pkg/wsclient"
)

// SessionState tracks the control-channel handshake progress.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateRegistered
	StateHello
	StateReady
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateRegistered:
		return "REGISTERED"
	case StateHello:
		return "HELLO_RECEIVED"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrNotReady is returned by Send and SendWithAck outside the READY state.
var ErrNotReady = errors.New("session not ready")

const (
	// DefaultAckTimeout bounds how long a SendWithAck waits for its reply.
	DefaultAckTimeout = 10 * time.Second
	// DefaultRetryDelay is the reconnect delay when the peer names none.
	DefaultRetryDelay = 5 * time.Second

	rxQueueSize = 256
)

// AckFunc receives the reply for a SendWithAck command on the dispatcher
// goroutine. It is invoked exactly once per command: with the matching
// reply, or with timedOut true and no reply.
type AckFunc func(timedOut bool, reply camproto.Command)

// SessionHandler is the upper layer of the session. All callbacks run on
// the dispatcher goroutine.
type SessionHandler interface {
	// HandleCommand receives READY-state inbound commands the FSM does not
	// consume itself.
	HandleCommand(cmd camproto.Command)
	// OnPrepared fires when the session reaches READY.
	OnPrepared()
	// OnSessionClosed fires when an established session ends, before any
	// reconnect is scheduled. reason is the bye reason or "error".
	OnSessionClosed(reason string)
}

// SessionInfo is the identity the cloud assigned during the handshake.
type SessionInfo struct {
	SID         string
	ConnID      string
	CamID       string
	MediaURI    string
	MediaServer string
	UploadURL   string
}

// control is the slice of the session the manager and uploader depend on;
// tests substitute a recording fake.
type control interface {
	Send(cmd camproto.Command) error
	SendWithAck(cmd camproto.Command, timeout time.Duration, cb AckFunc) error
	Info() SessionInfo
}

// SessionConfig carries the session identity and retry policy.
type SessionConfig struct {
	Token      camproto.AccessToken
	Label      string
	Insecure   bool // ws instead of wss
	SkipVerify bool // accept invalid TLS certs
	AckTimeout time.Duration
	RetryDelay time.Duration
	Log        *slog.Logger
}

func (c *SessionConfig) fillDefaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

type ackEntry struct {
	cb    AckFunc
	timer dispatch.Handle
}

// rxEvent is one unit on the inbound queue: a frame, or the connection
// close notice that trails every delivered frame.
type rxEvent struct {
	data   []byte
	closed bool
	err    error
}

// Session drives the control-plane WebSocket: connect, register, the
// hello/cam_register/cam_hello handshake, the pending-ack table, and the
// reconnect policy. All mutable state lives on the dispatcher; inbound
// frames and the close notice travel reader goroutine -> bounded RX
// queue -> dispatcher, so a bye sent just before the socket drops is
// handled before the teardown.
type Session struct {
	cfg     SessionConfig
	disp    *dispatch.Dispatcher
	handler SessionHandler
	log     *slog.Logger

	ws *wsclient.Client
	rx *dispatch.Worker[rxEvent]

	state atomic.Int32

	infoMu sync.Mutex
	info   SessionInfo

	// dispatcher-owned
	closed        bool
	msgid         int64
	acks          map[int64]*ackEntry
	reconnect     dispatch.Handle
	reconnectAddr string // configure-pushed; survives only bye(reconnect)
}

// NewSession wires a session to its dispatcher and handler. Call Start to
// begin connecting.
func NewSession(cfg SessionConfig, disp *dispatch.Dispatcher, handler SessionHandler) *Session {
	cfg.fillDefaults()
	s := &Session{
		cfg:     cfg,
		disp:    disp,
		handler: handler,
		log:     cfg.Log,
		acks:    make(map[int64]*ackEntry),
	}
	s.rx = dispatch.NewWorker[rxEvent](rxQueueSize, func(ev rxEvent) {
		if ev.closed {
			s.disp.RunOnLoop(func() { s.onConnClosed(ev.err) })
			return
		}
		s.disp.RunOnLoop(func() { s.handleFrame(ev.data) })
	})
	s.ws = wsclient.New(wsclient.Config{
		InsecureSkipVerify: cfg.SkipVerify,
		Log:                cfg.Log,
	}, wsclient.Callbacks{
		OnMessage: func(data []byte) { s.rx.Push(rxEvent{data: data}) },
		OnClosed: func(err error) {
			s.rx.Push(rxEvent{closed: true, err: err})
		},
	})
	return s
}

// Start launches the RX consumer and schedules the first connect.
func (s *Session) Start() {
	s.rx.Start()
	s.disp.RunOnLoop(s.connect)
}

// Stop shuts the session down for good: pending acks resolve as timed out
// and no reconnect follows. Must be called before the dispatcher stops.
func (s *Session) Stop() {
	done := make(chan struct{})
	s.disp.RunOnLoop(func() {
		s.closed = true
		s.cancelReconnect()
		s.resolveAllAcks()
		s.setState(StateClosed)
		close(done)
	})
	<-done
	s.ws.Close()
	s.rx.Stop()
}

// State reports the current FSM state. Safe from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Info returns a copy of the handshake identity. Safe from any goroutine.
func (s *Session) Info() SessionInfo {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return s.info
}

// Send transmits cmd without expecting a reply. Only allowed in READY;
// callers drop their payload with a warning on ErrNotReady. Dispatcher
// goroutine only.
func (s *Session) Send(cmd camproto.Command) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	return s.sendNow(cmd)
}

// SendWithAck transmits cmd and registers cb in the ack table under the
// allocated msgid. cb resolves exactly once: by a reply whose refid matches,
// or by the timeout (zero selects the default). Dispatcher goroutine only.
func (s *Session) SendWithAck(cmd camproto.Command, timeout time.Duration, cb AckFunc) error {
	if s.State() != StateReady {
		return ErrNotReady
	}
	if timeout <= 0 {
		timeout = s.cfg.AckTimeout
	}
	if err := s.sendNow(cmd); err != nil {
		return err
	}
	id := cmd.Base().MsgID
	e := &ackEntry{cb: cb}
	e.timer = s.disp.Schedule(timeout, func() { s.expireAck(id) })
	s.acks[id] = e
	return nil
}

func (s *Session) setState(st SessionState) {
	old := s.State()
	if old == st {
		return
	}
	s.state.Store(int32(st))
	s.log.Debug("session state", "from", old, "to", st)
}

func (s *Session) nextMsgID() int64 {
	s.msgid++
	return s.msgid
}

// sendNow stamps the envelope and queues the frame, regardless of state.
// The FSM uses it for its own handshake traffic.
func (s *Session) sendNow(cmd camproto.Command) error {
	head := cmd.Base()
	head.MsgID = s.nextMsgID()
	if head.CamID == "" {
		head.CamID = s.Info().CamID
	}
	data, err := camproto.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := s.ws.Send(data); err != nil {
		return err
	}
	metrics.cmdsSent.WithLabelValues(cmd.Name()).Inc()
	return nil
}

func (s *Session) replyDone(orig camproto.Command, status camproto.DoneStatus) {
	if err := s.sendNow(camproto.NewDone(orig, status)); err != nil {
		s.log.Warn("done reply failed", "for", orig.Name(), "err", err)
	}
}

// connect dials on a helper goroutine so the dispatcher never blocks on
// the handshake.
func (s *Session) connect() {
	if s.closed || s.State() != StateDisconnected {
		return
	}
	s.setState(StateConnecting)
	addr := s.dialAddr()
	s.log.Info("connecting", "addr", addr)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsclient.DefaultHandshakeTimeout)
		defer cancel()
		err := s.ws.Dial(ctx, addr)
		s.disp.RunOnLoop(func() { s.onDialDone(err) })
	}()
}

func (s *Session) dialAddr() string {
	if s.reconnectAddr == "" {
		return s.cfg.Token.CamWSURI(!s.cfg.Insecure)
	}
	addr := s.reconnectAddr
	if !strings.Contains(addr, "://") {
		scheme := "wss"
		if s.cfg.Insecure {
			scheme = "ws"
		}
		addr = scheme + "://" + addr
	}
	return addr
}

func (s *Session) onDialDone(err error) {
	if s.closed {
		if err == nil {
			go s.ws.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("connect failed", "err", err)
		s.setState(StateDisconnected)
		s.scheduleReconnect(s.cfg.RetryDelay)
		return
	}
	// Fresh session: msgids restart at 1.
	s.msgid = 0
	reg := &camproto.Register{
		Token:   s.cfg.Token.Token,
		Version: internal.GetVersion(),
	}
	if err := s.sendNow(reg); err != nil {
		s.log.Warn("register send failed", "err", err)
		return // the wsclient OnClosed path takes over
	}
	s.setState(StateRegistered)
}

// handleFrame parses one inbound frame and routes it: ack resolution first,
// then the handshake commands, then the upper layer.
func (s *Session) handleFrame(data []byte) {
	switch s.State() {
	case StateRegistered, StateHello, StateReady:
	default:
		// Leftover frame from a connection already torn down.
		s.log.Debug("frame outside session", "len", len(data))
		return
	}
	cmd, err := camproto.Parse(data)
	if err != nil {
		if errors.Is(err, camproto.ErrUnknownCmd) {
			s.log.Warn("unknown command", "err", err)
		} else {
			s.log.Warn("bad frame", "err", err)
		}
		return
	}
	metrics.cmdsReceived.WithLabelValues(cmd.Name()).Inc()

	if refid := cmd.Base().RefID; refid != 0 && s.resolveAck(refid, cmd) {
		return
	}

	switch c := cmd.(type) {
	case *camproto.Hello:
		s.onHello(c)
	case *camproto.CamHello:
		s.onCamHello(c)
	case *camproto.Configure:
		s.onConfigure(c)
	case *camproto.Bye:
		s.onBye(c)
	case *camproto.Done:
		s.log.Debug("unmatched done", "refid", c.RefID, "status", c.Status)
	default:
		if s.State() != StateReady {
			s.log.Warn("command before ready", "cmd", cmd.Name())
			s.replyDone(cmd, camproto.StatusCMError)
			return
		}
		s.handler.HandleCommand(cmd)
	}
}

func (s *Session) onHello(c *camproto.Hello) {
	s.infoMu.Lock()
	s.info.SID = c.SID
	s.info.ConnID = c.ConnID
	s.info.MediaServer = c.MediaServer
	s.info.UploadURL = c.UploadURL
	s.infoMu.Unlock()

	cr := &camproto.CamRegister{
		UUID:    s.cfg.Token.CamID,
		Label:   s.cfg.Label,
		Version: internal.GetVersion(),
	}
	if err := s.sendNow(cr); err != nil {
		s.log.Warn("cam_register send failed", "err", err)
		return
	}
	s.replyDone(c, camproto.StatusOK)
	s.setState(StateHello)
}

func (s *Session) onCamHello(c *camproto.CamHello) {
	s.infoMu.Lock()
	s.info.CamID = c.Base().CamID
	s.info.MediaURI = c.MediaURI
	s.infoMu.Unlock()

	s.replyDone(c, camproto.StatusOK)
	s.setState(StateReady)
	s.log.Info("session ready", "cam_id", c.Base().CamID, "media_uri", c.MediaURI)
	s.handler.OnPrepared()
}

func (s *Session) onConfigure(c *camproto.Configure) {
	if c.Server != "" {
		s.reconnectAddr = c.Server
		s.log.Info("reconnect address configured", "server", c.Server)
	}
	s.replyDone(c, camproto.StatusOK)
}

func (s *Session) onBye(c *camproto.Bye) {
	reason := c.Reason
	if reason == "" {
		reason = camproto.ByeConnClose
	}
	retry := s.cfg.RetryDelay
	if c.Retry > 0 {
		retry = time.Duration(c.Retry) * time.Millisecond
	}
	s.log.Info("bye from peer", "reason", reason, "retry", retry)
	s.disconnect(reason, retry, true)
}

// onConnClosed handles an unsolicited connection loss reported by the
// wsclient. Local closes never reach here.
func (s *Session) onConnClosed(err error) {
	if s.closed {
		return
	}
	if st := s.State(); st == StateDisconnected || st == StateClosed {
		return
	}
	s.log.Warn("connection lost", "err", err)
	s.disconnect("error", s.cfg.RetryDelay, false)
}

// disconnect retires the current connection and applies the reconnect
// policy: auth failures end the session, a reconnect reason keeps the
// configured server address, anything else falls back to the registrar.
func (s *Session) disconnect(reason string, retry time.Duration, closeWS bool) {
	if s.closed {
		return
	}
	if st := s.State(); st == StateDisconnected || st == StateClosed {
		return
	}
	s.setState(StateDisconnected)
	if closeWS {
		go s.ws.Close()
	}
	s.resolveAllAcks()
	s.handler.OnSessionClosed(reason)
	if reason == camproto.ByeAuthFailure {
		s.log.Error("authorization failed, not reconnecting")
		s.setState(StateClosed)
		return
	}
	if reason != camproto.ByeReconnect {
		s.reconnectAddr = ""
	}
	s.scheduleReconnect(retry)
}

func (s *Session) scheduleReconnect(d time.Duration) {
	if d <= 0 {
		d = s.cfg.RetryDelay
	}
	s.cancelReconnect()
	metrics.reconnects.Inc()
	s.reconnect = s.disp.Schedule(d, func() {
		s.reconnect = 0
		s.connect()
	})
}

func (s *Session) cancelReconnect() {
	if s.reconnect != 0 {
		s.disp.Cancel(s.reconnect)
		s.reconnect = 0
	}
}

// expireAck fires on the ack timer. The map delete is the exactly-once
// latch shared with resolveAck.
func (s *Session) expireAck(id int64) {
	e, ok := s.acks[id]
	if !ok {
		return
	}
	delete(s.acks, id)
	metrics.ackTimeouts.Inc()
	s.log.Warn("command ack timed out", "msgid", id)
	e.cb(true, nil)
}

func (s *Session) resolveAck(refid int64, reply camproto.Command) bool {
	e, ok := s.acks[refid]
	if !ok {
		return false
	}
	delete(s.acks, refid)
	s.disp.Cancel(e.timer)
	e.cb(false, reply)
	return true
}

// resolveAllAcks times out everything pending. Runs on disconnect so
// callers never wait out individual timers against a dead connection.
func (s *Session) resolveAllAcks() {
	for id, e := range s.acks {
		delete(s.acks, id)
		s.disp.Cancel(e.timer)
		metrics.ackTimeouts.Inc()
		e.cb(true, nil)
	}
}
