// Copyright 2026, CamCloud Dev. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package camproto

import "encoding/json"

// Bye reasons. Anything else is treated like conn_close.
const (
	ByeReconnect   = "reconnect"
	ByeConnClose   = "conn_close"
	ByeAuthFailure = "auth_failure"
	ByeInvalid     = "invalid"
)

// StreamReason tells why the cloud wants a stream started.
type StreamReason string

const (
	ReasonLive          StreamReason = "live"
	ReasonRecord        StreamReason = "record"
	ReasonRecordByEvent StreamReason = "record_by_event"
	ReasonServerByEvent StreamReason = "server_by_event"
)

// Register opens a session: the agent presents its access token.
type Register struct {
	Head
	Token   string `json:"ca"`
	Version string `json:"version,omitempty"`
}

func (*Register) Name() string { return CmdRegister }

// Hello is the server's answer to register.
type Hello struct {
	Head
	CA          string `json:"ca,omitempty"`
	SID         string `json:"sid"`
	UploadURL   string `json:"upload_url,omitempty"`
	MediaServer string `json:"media_server,omitempty"`
	ConnID      string `json:"connid,omitempty"`
}

func (*Hello) Name() string { return CmdHello }

// CamRegister announces one camera on the session.
type CamRegister struct {
	Head
	UUID    string `json:"uuid"`
	Label   string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

func (*CamRegister) Name() string { return CmdCamRegister }

// CamHello assigns the camera its cloud identity. The assigned id arrives
// in the envelope cam_id field.
type CamHello struct {
	Head
	MediaURI string `json:"media_uri,omitempty"`
	Path     string `json:"path,omitempty"`
}

func (*CamHello) Name() string { return CmdCamHello }

// Configure pushes session settings; a non-empty server is the address to
// use on the next reconnect.
type Configure struct {
	Head
	Server string `json:"server,omitempty"`
	ConnID string `json:"connid,omitempty"`
}

func (*Configure) Name() string { return CmdConfigure }

// Bye announces connection teardown. Retry is the reconnect delay in ms.
type Bye struct {
	Head
	Reason string `json:"reason,omitempty"`
	Retry  int    `json:"retry,omitempty"`
}

func (*Bye) Name() string { return CmdBye }

// Done is the universal acknowledgment.
type Done struct {
	Head
	Status      DoneStatus `json:"status"`
	Description string     `json:"description,omitempty"`
}

func (*Done) Name() string { return CmdDone }

// StreamStart asks the device to start a stream for the given reason.
type StreamStart struct {
	Head
	StreamID string       `json:"stream_id"`
	Reason   StreamReason `json:"reason,omitempty"`
}

func (*StreamStart) Name() string { return CmdStreamStart }

// StreamStop reverses a stream_start.
type StreamStop struct {
	Head
	StreamID string `json:"stream_id"`
}

func (*StreamStop) Name() string { return CmdStreamStop }

// PayloadInfo describes one attachment the agent wants to upload
// alongside an event.
type PayloadInfo struct {
	Size      int64  `json:"size"`
	MediaType string `json:"media_type,omitempty"`
}

// CamEvent reports one event. Time uses the packed form. Active carries
// start/stop for stateful events and is absent for stateless ones.
type CamEvent struct {
	Head
	Event          string          `json:"event"`
	Time           string          `json:"time"`
	Active         *bool           `json:"active,omitempty"`
	StateEmulation bool            `json:"state_emulation,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	Snapshot       *PayloadInfo    `json:"snapshot,omitempty"`
	FileMeta       *PayloadInfo    `json:"file_meta,omitempty"`
}

func (*CamEvent) Name() string { return CmdCamEvent }

// GetDirectUploadURL asks the cloud for a one-shot upload URL.
// FileTime uses the packed form.
type GetDirectUploadURL struct {
	Head
	Category   string `json:"category"`
	MediaType  string `json:"media_type"`
	FileTime   string `json:"file_time"`
	DurationUS int64  `json:"duration_us,omitempty"`
	Size       int64  `json:"size"`
	StreamID   string `json:"stream_id,omitempty"`
}

func (*GetDirectUploadURL) Name() string { return CmdGetDirectUploadURL }

// UploadTarget is one issued upload URL with the headers the PUT must
// forward.
type UploadTarget struct {
	Category string            `json:"category,omitempty"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// DirectUploadURL answers get_direct_upload_url or cam_event. Extra holds
// additional targets keyed by category for multi-payload events.
type DirectUploadURL struct {
	Head
	Status  string            `json:"status"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Extra   []UploadTarget    `json:"extra,omitempty"`
}

func (*DirectUploadURL) Name() string { return CmdDirectUploadURL }

// MemorycardSync asks the device to upload [begin, end) from its local
// recordings. RequestID is the cancellation ticket. An empty end means
// "until told otherwise" (open tail). Times use the packed form.
type MemorycardSync struct {
	Head
	RequestID string `json:"request_id"`
	Begin     string `json:"begin"`
	End       string `json:"end,omitempty"`
}

func (*MemorycardSync) Name() string { return CmdMemorycardSync }

// MemorycardSyncStatus reports sync progress for one request.
type MemorycardSyncStatus struct {
	Head
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
}

func (*MemorycardSyncStatus) Name() string { return CmdMemorycardSyncStatus }

// MemorycardSyncCancel cancels every sync carrying the ticket.
type MemorycardSyncCancel struct {
	Head
	RequestID string `json:"request_id"`
}

func (*MemorycardSyncCancel) Name() string { return CmdMemorycardSyncCancel }

// TimelineRecord is one recorded period in a timeline reply.
type TimelineRecord struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// MemorycardTimeline queries the device's recorded periods; the reply uses
// the same command with Records filled in.
type MemorycardTimeline struct {
	Head
	Begin   string           `json:"begin,omitempty"`
	End     string           `json:"end,omitempty"`
	Records []TimelineRecord `json:"records,omitempty"`
}

func (*MemorycardTimeline) Name() string { return CmdMemorycardTimeline }

// EventConfigWire is the event configuration as exchanged with the cloud.
// Caps are informational on the way out and ignored on the way in.
type EventConfigWire struct {
	EventName string   `json:"name"`
	Caps      []string `json:"caps,omitempty"`
	Active    *bool    `json:"active,omitempty"`
	Stream    *bool    `json:"stream,omitempty"`
	Snapshot  *bool    `json:"snapshot,omitempty"`
	Period    int      `json:"period,omitempty"`
}

// GetEvents asks for the current event configurations.
type GetEvents struct {
	Head
}

func (*GetEvents) Name() string { return CmdGetEvents }

// SetEvents overlays cloud-side flags on matching event configurations.
// It is also the reply form of get_events.
type SetEvents struct {
	Head
	Events []EventConfigWire `json:"events"`
}

func (*SetEvents) Name() string { return CmdSetEvents }
