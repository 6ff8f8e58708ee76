// Package livefeed fans proctoring activity out to reviewer dashboards.
// Messages are grouped per exam so one dashboard follows every session of
// the exam it watches.
package livefeed

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Message types.
const (
	TypeProctoringEvent = "proctoring_event"
	TypeSessionStatus   = "session_status"
	TypePing            = "ping"
)

// Message is one live update as delivered to dashboards.
type Message struct {
	Type       string                 `json:"type"`
	ExamID     uuid.UUID              `json:"exam_id"`
	SessionID  uuid.UUID              `json:"session_id"`
	StudentID  int                    `json:"student_id"`
	Seq        int64                  `json:"seq,omitempty"`
	Event      *model.ProctoringEvent `json:"event,omitempty"`
	Status     model.SessionStatus    `json:"status,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Feed transports encoded messages between instances.
type Feed interface {
	Publish(ctx context.Context, examID uuid.UUID, payload []byte) error
	// Subscribe delivers payloads for examID until ctx is done or the
	// subscription is closed.
	Subscribe(ctx context.Context, examID uuid.UUID) (Subscription, error)
	Close() error
}

// Subscription is a live stream of payloads for one exam.
type Subscription interface {
	C() <-chan []byte
	Close() error
}
