package eventlog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionSink appends monitor events to one session's log under the
// system identity.
type SessionSink struct {
	log       *Log
	sessionID uuid.UUID
	source    string
}

// Sink returns a sink bound to sessionID. source is recorded on every event
// that does not name its own.
func (l *Log) Sink(sessionID uuid.UUID, source string) *SessionSink {
	return &SessionSink{log: l, sessionID: sessionID, source: source}
}

// Emit appends ev. Events arriving after the session ended are dropped
// silently; monitors may still be winding down at that point.
func (s *SessionSink) Emit(ctx context.Context, ev model.ProctoringEvent) error {
	if ev.Source == "" {
		ev.Source = s.source
	}
	_, err := s.log.Append(ctx, model.SystemIdentity(), s.sessionID, ev)
	if errors.Is(err, model.ErrInvalidTransition) {
		return nil
	}
	return err
}
