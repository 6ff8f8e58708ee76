package livefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const publishTimeout = 2 * time.Second

// Relay publishes appended events and status changes to a Feed.
type Relay struct {
	feed Feed
	now  func() time.Time
	log  zerolog.Logger
}

// NewRelay creates a new Relay.
func NewRelay(feed Feed, log zerolog.Logger) *Relay {
	return &Relay{
		feed: feed,
		now:  time.Now,
		log:  log.With().Str("component", "livefeed").Logger(),
	}
}

// HandleAppended publishes one appended event. Subscribe it to the event
// bus.
func (r *Relay) HandleAppended(a eventlog.Appended) {
	ev := a.Event
	r.publish(Message{
		Type:       TypeProctoringEvent,
		ExamID:     a.ExamID,
		SessionID:  a.SessionID,
		StudentID:  a.StudentID,
		Seq:        a.Seq,
		Event:      &ev,
		OccurredAt: ev.Timestamp,
	})
}

// PublishStatus announces a session's current status.
func (r *Relay) PublishStatus(s *model.ExamSession) {
	at := r.now().UTC()
	if s.EndTime != nil {
		at = *s.EndTime
	}
	r.publish(Message{
		Type:       TypeSessionStatus,
		ExamID:     s.ExamID,
		SessionID:  s.ID,
		StudentID:  s.StudentID,
		Status:     s.Status,
		Reason:     s.TerminationReason,
		OccurredAt: at,
	})
}

func (r *Relay) publish(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode live message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.feed.Publish(ctx, m.ExamID, data); err != nil {
		r.log.Warn().Err(err).
			Str("exam_id", m.ExamID.String()).
			Str("type", m.Type).
			Msg("Live publish failed")
	}
}
