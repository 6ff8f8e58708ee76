package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusInProgress       SessionStatus = "in-progress"
	SessionStatusSubmitted        SessionStatus = "submitted"
	SessionStatusCheatingDetected SessionStatus = "cheating-detected"
	SessionStatusLoggedOut        SessionStatus = "logged-out"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusInProgress, SessionStatusSubmitted, SessionStatusCheatingDetected, SessionStatusLoggedOut:
		return true
	}
	return false
}

// Terminal reports whether no transition can leave s.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusCheatingDetected || s == SessionStatusLoggedOut
}

// Forced reports whether s is a terminal status reachable only through
// forced termination.
func (s SessionStatus) Forced() bool {
	return s == SessionStatusCheatingDetected || s == SessionStatusLoggedOut
}

// ExamSession represents a student's single attempt at one exam.
type ExamSession struct {
	ID                 uuid.UUID         `json:"id"`
	StudentID          int               `json:"student_id"`
	ExamID             uuid.UUID         `json:"exam_id"`
	StartTime          time.Time         `json:"start_time"`
	EndTime            *time.Time        `json:"end_time,omitempty"`
	Status             SessionStatus     `json:"status"`
	Answers            Answers           `json:"answers"`
	TerminationReason  string            `json:"termination_reason,omitempty"`
	FinalScore         *float64          `json:"final_score,omitempty"`
	SnapshotURL        string            `json:"snapshot_url,omitempty"`
	RoomScanVideoURL   string            `json:"room_scan_video_url,omitempty"`
	ScreenRecordingURL string            `json:"screen_recording_url,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ProctoringLogs     []ProctoringEvent `json:"proctoring_logs,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *ExamSession) Clone() *ExamSession {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.FinalScore != nil {
		f := *s.FinalScore
		c.FinalScore = &f
	}
	c.Answers = s.Answers.Clone()
	if s.ProctoringLogs != nil {
		c.ProctoringLogs = append([]ProctoringEvent(nil), s.ProctoringLogs...)
	}
	return &c
}

// ─── Requests ───────────────────────────────────────────────────────

// StartSessionRequest is the payload for starting (or resuming) an attempt.
type StartSessionRequest struct {
	ExamID uuid.UUID `json:"exam_id" binding:"required"`
}

// SaveAnswersRequest replaces the whole answer map of a session.
type SaveAnswersRequest struct {
	Answers Answers `json:"answers" binding:"required"`
}

// SubmitRequest carries the final answer map.
type SubmitRequest struct {
	Answers Answers `json:"answers" binding:"required"`
}

// LogEventRequest is a client-reported proctoring event.
type LogEventRequest struct {
	EventType   EventType  `json:"event_type" binding:"required,event_type"`
	Details     string     `json:"details" binding:"required,max=2000"`
	Timestamp   *time.Time `json:"timestamp" binding:"omitempty"`
	SnapshotRef string     `json:"snapshot_ref" binding:"omitempty,max=512"`
}

// TerminateRequest is a reviewer-initiated forced logout.
type TerminateRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=500"`
}

// ─── Responses ──────────────────────────────────────────────────────

// StartSessionResponse is returned by the start endpoint.
type StartSessionResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Reused    bool      `json:"reused"`
}

// LogEventResponse tells the client whether the event entered the log.
type LogEventResponse struct {
	Persisted bool `json:"persisted"`
}

// SessionReport is a session augmented with its derived risk analysis.
type SessionReport struct {
	ExamSession
	Risk             RiskAnalysis `json:"risk_analysis"`
	RiskLevel        string       `json:"risk_level"`
	Flagged          bool         `json:"flagged"`
	UnreadableEvents int          `json:"unreadable_events,omitempty"`
}
