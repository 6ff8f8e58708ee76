package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// SessionStore persists sessions. Update runs fn under the session lock
// and keeps the result only when fn succeeds.
type SessionStore interface {
	Create(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamSession, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	Update(ctx context.Context, id uuid.UUID, fn func(*model.ExamSession) error) (*model.ExamSession, error)
	List(ctx context.Context, f repository.SessionFilter) ([]model.ExamSession, int, error)
}

// ExamStore looks up exams owned by the authoring service.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	ListIDsByAuthor(ctx context.Context, authorID int) ([]uuid.UUID, error)
}

// EventLog is the proctoring log as used by the services.
type EventLog interface {
	Append(ctx context.Context, ident model.Identity, sessionID uuid.UUID, ev model.ProctoringEvent) (int64, error)
	Read(ctx context.Context, sessionID uuid.UUID) ([]eventlog.Entry, error)
}

// Quarantine keeps events that arrived after their session finished.
type Quarantine interface {
	Push(ctx context.Context, q model.QuarantinedEvent) error
}

// TerminalHook runs after a session reaches a terminal state.
type TerminalHook func(s *model.ExamSession)

// Reviewer-facing errors.
var (
	ErrNotReviewer   = fmt.Errorf("reviewer role required: %w", model.ErrAccessDenied)
	ErrNotExamAuthor = fmt.Errorf("not the exam author: %w", model.ErrAccessDenied)
	ErrNotOwner      = fmt.Errorf("not the session owner: %w", model.ErrAccessDenied)
)

// ExamSessionService is the session state machine. It is the only writer
// of a session's status, answers and end time.
type ExamSessionService struct {
	sessions   SessionStore
	exams      ExamStore
	events     EventLog
	quarantine Quarantine
	clock      clock.Clock
	log        zerolog.Logger
	hooks      []TerminalHook
}

// NewExamSessionService creates a new ExamSessionService. quarantine may be
// nil, in which case late events are only logged.
func NewExamSessionService(
	sessions SessionStore,
	exams ExamStore,
	events EventLog,
	quarantine Quarantine,
	clk clock.Clock,
	log zerolog.Logger,
) *ExamSessionService {
	if clk == nil {
		clk = clock.New()
	}
	return &ExamSessionService{
		sessions:   sessions,
		exams:      exams,
		events:     events,
		quarantine: quarantine,
		clock:      clk,
		log:        log.With().Str("component", "exam-session").Logger(),
	}
}

// OnTerminal registers fn to run after every terminal transition. Register
// hooks before serving requests.
func (s *ExamSessionService) OnTerminal(fn TerminalHook) {
	s.hooks = append(s.hooks, fn)
}

// Start opens an attempt for the calling student, or returns the attempt
// already in progress. reused reports the latter.
func (s *ExamSessionService) Start(ctx context.Context, ident model.Identity, examID uuid.UUID) (*model.ExamSession, bool, error) {
	if ident.IsZero() {
		return nil, false, model.ErrAuthenticationRequired
	}
	if ident.Role != model.RoleStudent {
		return nil, false, fmt.Errorf("only students can start an exam: %w", model.ErrAccessDenied)
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, false, fmt.Errorf("get exam: %w", err)
	}
	if !exam.OpenAt(s.clock.Now()) {
		return nil, false, model.ErrNotAvailable
	}

	sess, created, err := s.sessions.Create(ctx, ident.UserID, examID)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	if created {
		s.log.Info().
			Str("session_id", sess.ID.String()).
			Str("exam_id", examID.String()).
			Int("student_id", ident.UserID).
			Msg("Exam session started")
	}
	return sess, !created, nil
}

// SaveAnswers replaces the answers of an in-progress session.
func (s *ExamSessionService) SaveAnswers(ctx context.Context, ident model.Identity, id uuid.UUID, answers model.Answers) (*model.ExamSession, error) {
	if ident.IsZero() {
		return nil, model.ErrAuthenticationRequired
	}
	return s.sessions.Update(ctx, id, func(sess *model.ExamSession) error {
		if err := authorizeStudent(ident, sess); err != nil {
			return err
		}
		if sess.Status != model.SessionStatusInProgress {
			return model.ErrInvalidState
		}
		sess.Answers = normalizeAnswers(answers)
		return nil
	})
}

// Submit finalizes an in-progress session with the given answers.
func (s *ExamSessionService) Submit(ctx context.Context, ident model.Identity, id uuid.UUID, answers model.Answers) (*model.ExamSession, error) {
	if ident.IsZero() {
		return nil, model.ErrAuthenticationRequired
	}
	sess, err := s.sessions.Update(ctx, id, func(sess *model.ExamSession) error {
		if err := authorizeStudent(ident, sess); err != nil {
			return err
		}
		if sess.Status != model.SessionStatusInProgress {
			return fmt.Errorf("submit %s session: %w", sess.Status, model.ErrInvalidTransition)
		}
		now := s.clock.Now().UTC()
		sess.Answers = normalizeAnswers(answers)
		sess.EndTime = &now
		sess.Status = model.SessionStatusSubmitted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("session_id", id.String()).Msg("Exam session submitted")
	s.finish(sess)
	return sess, nil
}

// ForceTerminate moves an in-progress session to cheating-detected or
// logged-out.
func (s *ExamSessionService) ForceTerminate(ctx context.Context, id uuid.UUID, reason string, target model.SessionStatus) (*model.ExamSession, error) {
	if !target.Forced() {
		return nil, fmt.Errorf("%w: %q is not a forced terminal status", model.ErrValidation, target)
	}
	sess, err := s.sessions.Update(ctx, id, func(sess *model.ExamSession) error {
		if sess.Status != model.SessionStatusInProgress {
			return fmt.Errorf("terminate %s session: %w", sess.Status, model.ErrInvalidTransition)
		}
		now := s.clock.Now().UTC()
		sess.EndTime = &now
		sess.Status = target
		sess.TerminationReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn().
		Str("session_id", id.String()).
		Str("status", string(target)).
		Str("reason", reason).
		Msg("Exam session terminated")
	s.finish(sess)
	return sess, nil
}

// Get returns a session snapshot with its readable log. Students see their
// own sessions; reviewers see sessions of exams they may review.
func (s *ExamSessionService) Get(ctx context.Context, ident model.Identity, id uuid.UUID) (*model.ExamSession, error) {
	if ident.IsZero() {
		return nil, model.ErrAuthenticationRequired
	}
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ident.Role.IsReviewer() {
		if err := authorizeReview(ctx, s.exams, ident, sess.ExamID); err != nil {
			return nil, err
		}
	} else if err := authorizeStudent(ident, sess); err != nil {
		return nil, err
	}

	entries, err := s.events.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	sess.ProctoringLogs, _ = eventlog.Events(entries)
	return sess, nil
}

// LogEvent appends a client-reported event. Events for a finished session
// are not logged; they are handed to the quarantine and persisted is false.
func (s *ExamSessionService) LogEvent(ctx context.Context, ident model.Identity, id uuid.UUID, ev model.ProctoringEvent) (bool, error) {
	if ev.Source == "" {
		ev.Source = "client"
	}
	_, err := s.events.Append(ctx, ident, id, ev)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, model.ErrInvalidTransition) {
		return false, err
	}

	log := s.log.With().Str("session_id", id.String()).Str("event_type", string(ev.EventType)).Logger()
	if s.quarantine == nil {
		log.Warn().Msg("Event for finished session dropped")
		return false, nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock.Now()
	}
	q := model.QuarantinedEvent{
		SessionID:  id,
		StudentID:  ident.UserID,
		ReceivedAt: s.clock.Now().UTC(),
		Event:      ev,
	}
	if qerr := s.quarantine.Push(ctx, q); qerr != nil {
		log.Error().Err(qerr).Msg("Failed to quarantine late event")
		return false, nil
	}
	log.Info().Msg("Late event quarantined")
	return false, nil
}

func (s *ExamSessionService) finish(sess *model.ExamSession) {
	for _, fn := range s.hooks {
		fn(sess)
	}
}

func authorizeStudent(ident model.Identity, sess *model.ExamSession) error {
	if ident.Role != model.RoleStudent || ident.UserID != sess.StudentID {
		return ErrNotOwner
	}
	return nil
}

// authorizeReview allows admins, and teachers on exams they authored.
func authorizeReview(ctx context.Context, exams ExamStore, ident model.Identity, examID uuid.UUID) error {
	switch ident.Role {
	case model.RoleAdmin:
		return nil
	case model.RoleTeacher:
	default:
		return ErrNotReviewer
	}
	exam, err := exams.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.AuthorID != ident.UserID {
		return ErrNotExamAuthor
	}
	return nil
}

func normalizeAnswers(a model.Answers) model.Answers {
	if a == nil {
		return model.Answers{}
	}
	return a.Clone()
}
