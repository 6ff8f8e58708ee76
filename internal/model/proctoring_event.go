package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of proctoring observation. The set is open; the
// constants below are the types produced by this service's monitors and
// the ones the risk scorer and escalation policy look at.
type EventType string

const (
	EventFaceNotVisible          EventType = "face-not-visible"
	EventMultipleFaces           EventType = "multiple-faces"
	EventMicActivity             EventType = "mic-activity"
	EventTabSwitch               EventType = "tab-switch"
	EventOffScreen               EventType = "off-screen"
	EventTabReturn               EventType = "tab-return"
	EventCheatingDetected        EventType = "cheating-detected"
	EventCheatingPatternDetected EventType = "cheating-pattern-detected"
	EventAudioCheatingPattern    EventType = "audio-cheating-pattern"
	EventSilencePeriod           EventType = "silence-period"
	EventScreenshotCaptured      EventType = "screenshot-captured"
	EventNetworkStatus           EventType = "network-status"
	EventNetworkDisconnected     EventType = "network-disconnected"
	EventNetworkRestored         EventType = "network-restored"
	EventCameraDisabled          EventType = "camera-disabled"
	EventMicrophoneDisabled      EventType = "microphone-disabled"
	EventCameraAccessDenied      EventType = "camera-access-denied"
	EventMicrophoneAccessDenied  EventType = "microphone-access-denied"
	EventAudioInitFailed         EventType = "audio-init-failed"
	EventServerUnreachable       EventType = "server-unreachable"
	EventNetworkError            EventType = "network-error"
	EventBrowserSecurity         EventType = "browser-security"
	EventInactivityTimeout       EventType = "inactivity-timeout"
	EventFullscreenExit          EventType = "fullscreen-exit"
	EventSuspiciousKeypress      EventType = "suspicious-keypress"
	EventSuspiciousAction        EventType = "suspicious-action"
	EventInactivity              EventType = "inactivity"
	EventForcedLogout            EventType = "forced-logout"
	EventMonitoringStarted       EventType = "monitoring-started"
	EventMonitoringStopped       EventType = "monitoring-stopped"
)

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// Valid reports whether t is a well-formed kebab-case event type.
func (t EventType) Valid() bool {
	return len(t) > 0 && len(t) <= 64 && eventTypePattern.MatchString(string(t))
}

// ProctoringEvent is a single timestamped observation. Immutable once
// appended; the log orders events by append sequence, not by Timestamp.
type ProctoringEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   EventType `json:"event_type"`
	Details     string    `json:"details"`
	SnapshotRef string    `json:"snapshot_ref,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// StoredEvent is one persisted log record. Payload is the JSON encoding of a
// ProctoringEvent, sealed when Encrypted is set.
type StoredEvent struct {
	SessionID  uuid.UUID
	Seq        int64
	RecordedAt time.Time
	Payload    []byte
	Encrypted  bool
}

// RiskAnalysis is derived from a session's log on demand and never stored.
type RiskAnalysis struct {
	TabSwitches     int `json:"tab_switches"`
	FaceNotVisible  int `json:"face_not_visible"`
	MultipleFaces   int `json:"multiple_faces"`
	MicActivity     int `json:"mic_activity"`
	RiskScore       int `json:"risk_score"`
	TotalViolations int `json:"total_violations"`
}

// QuarantinedEvent is a client event that arrived after its session left
// in-progress. It is kept outside the session log for forensic review.
type QuarantinedEvent struct {
	SessionID  uuid.UUID       `json:"session_id"`
	StudentID  int             `json:"student_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Event      ProctoringEvent `json:"event"`
}
