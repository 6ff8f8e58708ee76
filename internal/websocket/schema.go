package websocket

import "time"

// MessageType tags every frame on the monitoring socket.
type MessageType string

// ─── Client → Server ────────────────────────────────────────────────

const (
	// TypeReply answers a server Request with the same ID.
	TypeReply MessageType = "reply"
	// TypeFaceCount pushes a face count the client measured on its own.
	TypeFaceCount MessageType = "face_count"
	// TypeAudioLevel pushes one normalised microphone level sample.
	TypeAudioLevel MessageType = "audio_level"
	// TypeVisibility pushes a page visibility change.
	TypeVisibility MessageType = "visibility"
)

// ClientMessage is any frame sent by the exam client. Only the fields that
// belong to Type are set.
type ClientMessage struct {
	Type MessageType `json:"type"`
	ID   uint64      `json:"id,omitempty"`

	// Reply fields.
	Error         string     `json:"error,omitempty"`
	Count         *int       `json:"count,omitempty"`
	SnapshotRef   string     `json:"snapshot_ref,omitempty"`
	Enabled       *bool      `json:"enabled,omitempty"`
	BandwidthMbps float64    `json:"bandwidth_mbps,omitempty"`
	DevToolsOpen  bool       `json:"devtools_open,omitempty"`
	Extensions    []string   `json:"extensions,omitempty"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`

	// Push fields.
	Level  float64 `json:"level,omitempty"`
	Hidden bool    `json:"hidden,omitempty"`
}

// ─── Server → Client ────────────────────────────────────────────────

const (
	TypeRequest      MessageType = "request"
	TypeReady        MessageType = "ready"
	TypeSessionEnded MessageType = "session_ended"
	TypeError        MessageType = "error"
)

// Op names what a Request asks the client for.
type Op string

const (
	OpOpenCamera      Op = "open_camera"
	OpCloseCamera     Op = "close_camera"
	OpFaceCount       Op = "face_count"
	OpSnapshot        Op = "snapshot"
	OpCameraEnabled   Op = "camera_enabled"
	OpOpenMicrophone  Op = "open_microphone"
	OpCloseMicrophone Op = "close_microphone"
	OpMicEnabled      Op = "microphone_enabled"
	OpBrowserReport   Op = "browser_report"
	OpPing            Op = "ping"
)

// Request asks the client for a sensor reading.
type Request struct {
	Type MessageType `json:"type"`
	ID   uint64      `json:"id"`
	Op   Op          `json:"op"`
}

// ReadyResponse confirms monitoring started and lists degraded monitors.
type ReadyResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Degraded  []string    `json:"degraded"`
}

// SessionEndedResponse tells the client its session reached a terminal
// status and the socket is about to close.
type SessionEndedResponse struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// ErrorResponse reports a protocol problem.
type ErrorResponse struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}
