// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package camproto implements the JSON control protocol spoken over the
// cloud WebSocket: the command envelope with msgid/refid correlation, the
// typed command set, and the base64 access token.
package camproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command names of the control protocol.
const (
	CmdRegister             = "register"
	CmdHello                = "hello"
	CmdCamRegister          = "cam_register"
	CmdCamHello             = "cam_hello"
	CmdConfigure            = "configure"
	CmdBye                  = "bye"
	CmdDone                 = "done"
	CmdStreamStart          = "stream_start"
	CmdStreamStop           = "stream_stop"
	CmdCamEvent             = "cam_event"
	CmdGetDirectUploadURL   = "get_direct_upload_url"
	CmdDirectUploadURL      = "direct_upload_url"
	CmdMemorycardSync       = "cam_memorycard_synchronize"
	CmdMemorycardSyncStatus = "cam_memorycard_synchronize_status"
	CmdMemorycardSyncCancel = "cam_memorycard_synchronize_cancel"
	CmdMemorycardTimeline   = "cam_memorycard_timeline"
	CmdGetEvents            = "get_events"
	CmdSetEvents            = "set_events"
)

// DoneStatus is the universal acknowledgment status carried by done.
type DoneStatus string

const (
	StatusOK           DoneStatus = "OK"
	StatusCMError      DoneStatus = "CM_ERROR"
	StatusMissedParam  DoneStatus = "MISSED_PARAM"
	StatusNotSupported DoneStatus = "NOT_SUPPORTED"
	StatusSystemError  DoneStatus = "SYSTEM_ERROR"
	StatusInvalidParam DoneStatus = "INVALID_PARAM"
)

var (
	ErrUnknownCmd   = errors.New("unknown command")
	ErrMissingField = errors.New("missing required field")
)

// Head is the envelope every command shares. RefID links a response to the
// msgid it answers; CamID scopes a command to one camera on multi-camera
// managers.
type Head struct {
	Cmd   string `json:"cmd"`
	MsgID int64  `json:"msgid"`
	RefID int64  `json:"refid,omitempty"`
	CamID string `json:"cam_id,omitempty"`
}

// Base gives generic code access to the envelope of any typed command.
func (h *Head) Base() *Head { return h }

// Command is one typed control command. Name returns the wire cmd string
// regardless of whether the envelope has been stamped yet.
type Command interface {
	Name() string
	Base() *Head
}

// registry maps cmd names to factories. Built once, read-only afterwards.
var registry = map[string]func() Command{
	CmdRegister:             func() Command { return &Register{} },
	CmdHello:                func() Command { return &Hello{} },
	CmdCamRegister:          func() Command { return &CamRegister{} },
	CmdCamHello:             func() Command { return &CamHello{} },
	CmdConfigure:            func() Command { return &Configure{} },
	CmdBye:                  func() Command { return &Bye{} },
	CmdDone:                 func() Command { return &Done{} },
	CmdStreamStart:          func() Command { return &StreamStart{} },
	CmdStreamStop:           func() Command { return &StreamStop{} },
	CmdCamEvent:             func() Command { return &CamEvent{} },
	CmdGetDirectUploadURL:   func() Command { return &GetDirectUploadURL{} },
	CmdDirectUploadURL:      func() Command { return &DirectUploadURL{} },
	CmdMemorycardSync:       func() Command { return &MemorycardSync{} },
	CmdMemorycardSyncStatus: func() Command { return &MemorycardSyncStatus{} },
	CmdMemorycardSyncCancel: func() Command { return &MemorycardSyncCancel{} },
	CmdMemorycardTimeline:   func() Command { return &MemorycardTimeline{} },
	CmdGetEvents:            func() Command { return &GetEvents{} },
	CmdSetEvents:            func() Command { return &SetEvents{} },
}

// Parse decodes one JSON frame into its typed command. Unknown cmd values
// yield ErrUnknownCmd so the session can warn and move on without
// dropping the connection.
func Parse(data []byte) (Command, error) {
	var head Head
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("bad command frame: %w", err)
	}
	if head.Cmd == "" {
		return nil, fmt.Errorf("%w: cmd", ErrMissingField)
	}
	factory, ok := registry[head.Cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCmd, head.Cmd)
	}
	cmd := factory()
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Cmd, err)
	}
	return cmd, nil
}

// Marshal stamps the cmd name into the envelope and serializes the command.
func Marshal(cmd Command) ([]byte, error) {
	cmd.Base().Cmd = cmd.Name()
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Name(), err)
	}
	return data, nil
}

// Reply prepares cmd as a response to orig: refid is set to the original
// msgid and cam_id is inherited unless already set. Returns cmd.
func Reply(orig, cmd Command) Command {
	ob, cb := orig.Base(), cmd.Base()
	cb.RefID = ob.MsgID
	if cb.CamID == "" {
		cb.CamID = ob.CamID
	}
	return cmd
}

// NewDone builds the universal acknowledgment for orig.
func NewDone(orig Command, status DoneStatus) *Done {
	d := &Done{Status: status}
	Reply(orig, d)
	return d
}
