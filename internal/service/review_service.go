package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/escalation"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/risk"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	reportWorkers = 8
)

// ViolationTracker reports live escalation state.
type ViolationTracker interface {
	Status(id uuid.UUID) escalation.Status
}

// ListQuery filters the paginated session list.
type ListQuery struct {
	ExamID *uuid.UUID
	Status model.SessionStatus
	Page   int
	Limit  int
}

// ReportQuery filters risk reports. Dates bound the session start time.
type ReportQuery struct {
	ExamID    *uuid.UUID
	Flagged   *bool
	StartDate *time.Time
	EndDate   *time.Time
}

// SessionPage is one page of sessions.
type SessionPage struct {
	Sessions []model.ExamSession `json:"sessions"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	Limit    int                 `json:"limit"`
}

// RiskReport is a session report plus its live escalation state.
type RiskReport struct {
	model.SessionReport
	Escalation escalation.Status `json:"escalation"`
}

// ReviewService serves instructors and admins. Teachers only ever see
// sessions of exams they authored.
type ReviewService struct {
	sessions   SessionStore
	exams      ExamStore
	events     EventLog
	lifecycle  *ExamSessionService
	violations ViolationTracker
	log        zerolog.Logger
}

// NewReviewService creates a new ReviewService. violations may be nil.
func NewReviewService(
	sessions SessionStore,
	exams ExamStore,
	events EventLog,
	lifecycle *ExamSessionService,
	violations ViolationTracker,
	log zerolog.Logger,
) *ReviewService {
	return &ReviewService{
		sessions:   sessions,
		exams:      exams,
		events:     events,
		lifecycle:  lifecycle,
		violations: violations,
		log:        log.With().Str("component", "review").Logger(),
	}
}

// List returns one page of sessions visible to the reviewer.
func (s *ReviewService) List(ctx context.Context, ident model.Identity, q ListQuery) (*SessionPage, error) {
	f, err := s.scope(ctx, ident, q.ExamID)
	if err != nil {
		return nil, err
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrValidation, q.Status)
	}
	page, limit := normalizePage(q.Page, q.Limit)
	f.Status = q.Status
	f.Limit = limit
	f.Offset = (page - 1) * limit

	sessions, total, err := s.sessions.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &SessionPage{Sessions: sessions, Total: total, Page: page, Limit: limit}, nil
}

// Live returns every in-progress session visible to the reviewer with its
// current risk.
func (s *ReviewService) Live(ctx context.Context, ident model.Identity, examID *uuid.UUID) ([]model.SessionReport, error) {
	f, err := s.scope(ctx, ident, examID)
	if err != nil {
		return nil, err
	}
	f.Status = model.SessionStatusInProgress
	sessions, _, err := s.sessions.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	return s.reports(ctx, sessions, nil)
}

// Reports returns sessions augmented with their risk analysis.
func (s *ReviewService) Reports(ctx context.Context, ident model.Identity, q ReportQuery) ([]model.SessionReport, error) {
	if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
		return nil, fmt.Errorf("%w: end_date is before start_date", model.ErrValidation)
	}
	f, err := s.scope(ctx, ident, q.ExamID)
	if err != nil {
		return nil, err
	}
	f.StartedFrom = q.StartDate
	f.StartedTo = q.EndDate
	sessions, _, err := s.sessions.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return s.reports(ctx, sessions, q.Flagged)
}

// Risk returns the risk report of one session.
func (s *ReviewService) Risk(ctx context.Context, ident model.Identity, id uuid.UUID) (*RiskReport, error) {
	sess, err := s.authorized(ctx, ident, id)
	if err != nil {
		return nil, err
	}
	rep, err := s.report(ctx, *sess)
	if err != nil {
		return nil, err
	}
	out := &RiskReport{SessionReport: rep}
	if s.violations != nil {
		out.Escalation = s.violations.Status(id)
	} else {
		out.Escalation = escalation.Status{SessionID: id, BySeverity: map[string]int{}, RiskLevel: "low"}
	}
	return out, nil
}

// ExportEntries returns every log record of a session for export.
func (s *ReviewService) ExportEntries(ctx context.Context, ident model.Identity, id uuid.UUID) ([]eventlog.Entry, error) {
	if _, err := s.authorized(ctx, ident, id); err != nil {
		return nil, err
	}
	entries, err := s.events.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return entries, nil
}

// Terminate logs the reviewer out of an in-progress session on their behalf.
func (s *ReviewService) Terminate(ctx context.Context, ident model.Identity, id uuid.UUID, reason string) (*model.ExamSession, error) {
	if _, err := s.authorized(ctx, ident, id); err != nil {
		return nil, err
	}
	details := fmt.Sprintf("Terminated by %s %d: %s", ident.Role, ident.UserID, reason)
	if _, err := s.events.Append(ctx, model.SystemIdentity(), id, model.ProctoringEvent{
		EventType: model.EventForcedLogout,
		Details:   details,
		Source:    escalation.SourceReviewer,
	}); err != nil {
		return nil, err
	}
	sess, err := s.lifecycle.ForceTerminate(ctx, id, reason, model.SessionStatusLoggedOut)
	if err != nil {
		return nil, err
	}
	s.log.Warn().
		Str("session_id", id.String()).
		Int("reviewer_id", ident.UserID).
		Msg("Session terminated by reviewer")
	return sess, nil
}

// authorized loads a session the reviewer may see. A missing session is
// reported before any authorship check.
func (s *ReviewService) authorized(ctx context.Context, ident model.Identity, id uuid.UUID) (*model.ExamSession, error) {
	if ident.IsZero() {
		return nil, model.ErrAuthenticationRequired
	}
	if !ident.Role.IsReviewer() {
		return nil, ErrNotReviewer
	}
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeReview(ctx, s.exams, ident, sess.ExamID); err != nil {
		return nil, err
	}
	return sess, nil
}

// scope builds the base filter for a reviewer's listing.
func (s *ReviewService) scope(ctx context.Context, ident model.Identity, examID *uuid.UUID) (repository.SessionFilter, error) {
	var f repository.SessionFilter
	if ident.IsZero() {
		return f, model.ErrAuthenticationRequired
	}
	if !ident.Role.IsReviewer() {
		return f, ErrNotReviewer
	}
	if examID != nil {
		if err := authorizeReview(ctx, s.exams, ident, *examID); err != nil {
			return f, err
		}
		f.ExamID = examID
		return f, nil
	}
	if ident.Role == model.RoleTeacher {
		ids, err := s.exams.ListIDsByAuthor(ctx, ident.UserID)
		if err != nil {
			return f, fmt.Errorf("list authored exams: %w", err)
		}
		if ids == nil {
			ids = []uuid.UUID{}
		}
		f.ExamIDs = ids
	}
	return f, nil
}

// reports reads the logs of many sessions in parallel and keeps the input
// order.
func (s *ReviewService) reports(ctx context.Context, sessions []model.ExamSession, flagged *bool) ([]model.SessionReport, error) {
	built := make([]model.SessionReport, len(sessions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reportWorkers)
	for i, sess := range sessions {
		g.Go(func() error {
			rep, err := s.report(gctx, sess)
			if err != nil {
				return err
			}
			built[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.SessionReport, 0, len(built))
	for _, rep := range built {
		if flagged != nil && rep.Flagged != *flagged {
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

func (s *ReviewService) report(ctx context.Context, sess model.ExamSession) (model.SessionReport, error) {
	entries, err := s.events.Read(ctx, sess.ID)
	if err != nil {
		return model.SessionReport{}, fmt.Errorf("read log %s: %w", sess.ID, err)
	}
	events, unreadable := eventlog.Events(entries)
	analysis := risk.Score(events)
	return model.SessionReport{
		ExamSession:      sess,
		Risk:             analysis,
		RiskLevel:        risk.Level(analysis.RiskScore),
		Flagged:          risk.IsFlagged(events),
		UnreadableEvents: unreadable,
	}, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	return page, min(limit, MaxPageSize)
}
