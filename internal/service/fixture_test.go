package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stretchr/testify/require"
)

const (
	teacherID      = 900
	otherTeacherID = 901
)

var (
	teacher      = model.Identity{UserID: teacherID, Role: model.RoleTeacher}
	otherTeacher = model.Identity{UserID: otherTeacherID, Role: model.RoleTeacher}
	admin        = model.Identity{UserID: 1, Role: model.RoleAdmin}
)

func student(id int) model.Identity {
	return model.Identity{UserID: id, Role: model.RoleStudent}
}

type recordingQuarantine struct {
	mu     sync.Mutex
	events []model.QuarantinedEvent
}

func (q *recordingQuarantine) Push(_ context.Context, ev model.QuarantinedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
	return nil
}

type fixture struct {
	clk        *clock.Fake
	store      *repository.MemorySessionStore
	exams      *repository.MemoryExamStore
	events     *eventlog.Log
	quarantine *recordingQuarantine
	sessions   *ExamSessionService
	review     *ReviewService
	exam       model.Exam
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	start := clk.Now().Add(-time.Hour)
	end := clk.Now().Add(2 * time.Hour)
	exam := model.Exam{ID: uuid.New(), Title: "Fisika", AuthorID: teacherID, ScheduledStart: &start, ScheduledEnd: &end}

	store := repository.NewMemorySessionStore(clk.Now)
	exams := repository.NewMemoryExamStore(exam)
	events := eventlog.New(store, nil, nil, clk, zerolog.Nop())
	q := &recordingQuarantine{}
	sessions := NewExamSessionService(store, exams, events, q, clk, zerolog.Nop())
	review := NewReviewService(store, exams, events, sessions, nil, zerolog.Nop())

	return &fixture{
		clk:        clk,
		store:      store,
		exams:      exams,
		events:     events,
		quarantine: q,
		sessions:   sessions,
		review:     review,
		exam:       exam,
	}
}

func (f *fixture) start(t *testing.T, studentID int) *model.ExamSession {
	t.Helper()
	s, _, err := f.sessions.Start(context.Background(), student(studentID), f.exam.ID)
	require.NoError(t, err)
	return s
}

func (f *fixture) log(t *testing.T, s *model.ExamSession, types ...model.EventType) {
	t.Helper()
	for _, typ := range types {
		_, err := f.events.Append(context.Background(), student(s.StudentID), s.ID, model.ProctoringEvent{EventType: typ, Details: string(typ)})
		require.NoError(t, err)
	}
}
