// Package eventlog is the append-only, per-session proctoring log. Records
// are sealed at rest when a cipher is configured and every durable append
// is published to the session's bus in sequence order.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/seal"
)

// MaxDetailsLength bounds the details text of one event.
const MaxDetailsLength = 2000

// Store is the persistence the log needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	AppendEvent(ctx context.Context, id uuid.UUID, check func(*model.ExamSession) error, rec model.StoredEvent) (int64, error)
	ListEvents(ctx context.Context, id uuid.UUID) ([]model.StoredEvent, error)
}

// Entry is one record read back from the log. Exactly one of Event and Err
// is set.
type Entry struct {
	Seq        int64
	RecordedAt time.Time
	Event      *model.ProctoringEvent
	Err        error
}

// Log appends to and reads from session logs.
type Log struct {
	store  Store
	cipher *seal.Cipher
	bus    *Bus
	clock  clock.Clock
	locks  *keyedMutex
	log    zerolog.Logger
}

// New creates a Log. cipher may be nil to store plaintext JSON; bus may be
// nil when nothing subscribes.
func New(store Store, cipher *seal.Cipher, bus *Bus, clk clock.Clock, log zerolog.Logger) *Log {
	if clk == nil {
		clk = clock.New()
	}
	return &Log{
		store:  store,
		cipher: cipher,
		bus:    bus,
		clock:  clk,
		locks:  newKeyedMutex(),
		log:    log.With().Str("component", "event-log").Logger(),
	}
}

// Validate checks an event before it is accepted.
func Validate(ev model.ProctoringEvent) error {
	if !ev.EventType.Valid() {
		return fmt.Errorf("%w: invalid event type %q", model.ErrValidation, ev.EventType)
	}
	if strings.TrimSpace(ev.Details) == "" {
		return fmt.Errorf("%w: details are required", model.ErrValidation)
	}
	if utf8.RuneCountInString(ev.Details) > MaxDetailsLength {
		return fmt.Errorf("%w: details exceed %d characters", model.ErrValidation, MaxDetailsLength)
	}
	return nil
}

// Append durably adds ev to the session's log and returns its sequence
// number. The caller must own the session or be the system identity, and
// the session must be in progress.
func (l *Log) Append(ctx context.Context, ident model.Identity, sessionID uuid.UUID, ev model.ProctoringEvent) (int64, error) {
	if ident.IsZero() {
		return 0, model.ErrAuthenticationRequired
	}
	if err := Validate(ev); err != nil {
		return 0, err
	}

	now := l.clock.Now().UTC()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()

	payload, encrypted, err := l.encode(sessionID, ev)
	if err != nil {
		return 0, err
	}

	unlock := l.locks.Lock(sessionID)
	defer unlock()

	var owner model.ExamSession
	seq, err := l.store.AppendEvent(ctx, sessionID, func(s *model.ExamSession) error {
		if err := authorizeAppend(ident, s); err != nil {
			return err
		}
		if s.Status != model.SessionStatusInProgress {
			return model.ErrInvalidState
		}
		owner.StudentID, owner.ExamID = s.StudentID, s.ExamID
		return nil
	}, model.StoredEvent{
		SessionID:  sessionID,
		RecordedAt: now,
		Payload:    payload,
		Encrypted:  encrypted,
	})
	if err != nil {
		return 0, err
	}

	if l.bus != nil {
		l.bus.Publish(Appended{
			SessionID: sessionID,
			ExamID:    owner.ExamID,
			StudentID: owner.StudentID,
			Seq:       seq,
			Event:     ev,
		})
	}
	return seq, nil
}

func authorizeAppend(ident model.Identity, s *model.ExamSession) error {
	switch ident.Role {
	case model.RoleSystem:
		return nil
	case model.RoleStudent:
		if ident.UserID == s.StudentID {
			return nil
		}
	}
	return model.ErrAccessDenied
}

func (l *Log) encode(sessionID uuid.UUID, ev model.ProctoringEvent) ([]byte, bool, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, false, fmt.Errorf("encode event: %w", err)
	}
	if l.cipher == nil {
		return raw, false, nil
	}
	sealed, err := l.cipher.Seal(raw, sessionID[:])
	if err != nil {
		return nil, false, fmt.Errorf("seal event: %w", err)
	}
	return sealed, true, nil
}

// Read returns every record of the session in append order. Records that
// cannot be opened or parsed come back with Err wrapping
// model.ErrCorruptLog; the rest are still returned.
func (l *Log) Read(ctx context.Context, sessionID uuid.UUID) ([]Entry, error) {
	if _, err := l.store.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	records, err := l.store.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entry := Entry{Seq: rec.Seq, RecordedAt: rec.RecordedAt}
		ev, err := l.decode(sessionID, rec)
		if err != nil {
			l.log.Warn().
				Err(err).
				Str("session_id", sessionID.String()).
				Int64("seq", rec.Seq).
				Msg("Unreadable log record")
			entry.Err = err
		} else {
			entry.Event = ev
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (l *Log) decode(sessionID uuid.UUID, rec model.StoredEvent) (*model.ProctoringEvent, error) {
	raw := rec.Payload
	if rec.Encrypted {
		if l.cipher == nil {
			return nil, fmt.Errorf("record %d: sealed but no key configured: %w", rec.Seq, model.ErrCorruptLog)
		}
		opened, err := l.cipher.Open(rec.Payload, sessionID[:])
		if err != nil {
			if errors.Is(err, seal.ErrDecrypt) {
				return nil, fmt.Errorf("record %d: %w", rec.Seq, model.ErrCorruptLog)
			}
			return nil, err
		}
		raw = opened
	}

	var ev model.ProctoringEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("record %d: %v: %w", rec.Seq, err, model.ErrCorruptLog)
	}
	if !ev.EventType.Valid() {
		return nil, fmt.Errorf("record %d: bad event type: %w", rec.Seq, model.ErrCorruptLog)
	}
	return &ev, nil
}

// CloseSession releases the session's bus queue once in-flight appends
// have been published. Call it after the session reached a terminal state.
func (l *Log) CloseSession(sessionID uuid.UUID) {
	if l.bus == nil {
		return
	}
	unlock := l.locks.Lock(sessionID)
	defer unlock()
	l.bus.CloseSession(sessionID)
}

// Events returns the readable events of entries and how many were skipped.
func Events(entries []Entry) ([]model.ProctoringEvent, int) {
	events := make([]model.ProctoringEvent, 0, len(entries))
	unreadable := 0
	for _, e := range entries {
		if e.Event == nil {
			unreadable++
			continue
		}
		events = append(events, *e.Event)
	}
	return events, unreadable
}
