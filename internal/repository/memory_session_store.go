package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type studentExam struct {
	studentID int
	examID    uuid.UUID
}

type memRecord struct {
	mu       sync.Mutex
	session  *model.ExamSession
	events   []model.StoredEvent
	terminal atomic.Bool
}

// MemorySessionStore is an in-process session store with the same
// semantics as ExamSessionRepository. Each session has its own lock, so
// work on different sessions does not contend.
//
// Lock order is store → record; Update never takes the store lock.
type MemorySessionStore struct {
	mu         sync.Mutex
	records    map[uuid.UUID]*memRecord
	inProgress map[studentExam]uuid.UUID
	now        func() time.Time
}

// NewMemorySessionStore creates an empty store. now may be nil.
func NewMemorySessionStore(now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{
		records:    make(map[uuid.UUID]*memRecord),
		inProgress: make(map[studentExam]uuid.UUID),
		now:        now,
	}
}

// Create inserts an in-progress session or returns the existing one.
func (m *MemorySessionStore) Create(_ context.Context, studentID int, examID uuid.UUID) (*model.ExamSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := studentExam{studentID: studentID, examID: examID}
	if id, ok := m.inProgress[key]; ok {
		rec := m.records[id]
		if !rec.terminal.Load() {
			rec.mu.Lock()
			s := rec.session.Clone()
			rec.mu.Unlock()
			if !s.Status.Terminal() {
				return s, false, nil
			}
		}
		delete(m.inProgress, key)
	}

	now := m.now().UTC()
	s := &model.ExamSession{
		ID:        uuid.New(),
		StudentID: studentID,
		ExamID:    examID,
		StartTime: now,
		Status:    model.SessionStatusInProgress,
		Answers:   model.Answers{},
		CreatedAt: now,
	}
	m.records[s.ID] = &memRecord{session: s}
	m.inProgress[key] = s.ID
	return s.Clone(), true, nil
}

func (m *MemorySessionStore) record(id uuid.UUID) (*memRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return rec, nil
}

// GetByID returns a copy of the session.
func (m *MemorySessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session.Clone(), nil
}

// Update applies fn to a working copy under the session lock and keeps the
// copy only if fn succeeds.
func (m *MemorySessionStore) Update(_ context.Context, id uuid.UUID, fn func(*model.ExamSession) error) (*model.ExamSession, error) {
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	work := rec.session.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ProctoringLogs = nil
	rec.session = work
	if work.Status.Terminal() {
		rec.terminal.Store(true)
	}
	return work.Clone(), nil
}

// AppendEvent runs check and appends rec under the session lock.
func (m *MemorySessionStore) AppendEvent(_ context.Context, id uuid.UUID, check func(*model.ExamSession) error, ev model.StoredEvent) (int64, error) {
	rec, err := m.record(id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := check(rec.session.Clone()); err != nil {
		return 0, err
	}
	ev.SessionID = id
	ev.Seq = int64(len(rec.events)) + 1
	ev.Payload = append([]byte(nil), ev.Payload...)
	rec.events = append(rec.events, ev)
	return ev.Seq, nil
}

// ListEvents returns copies of the stored records in append order.
func (m *MemorySessionStore) ListEvents(_ context.Context, id uuid.UUID) ([]model.StoredEvent, error) {
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out := make([]model.StoredEvent, len(rec.events))
	for i, ev := range rec.events {
		ev.Payload = append([]byte(nil), ev.Payload...)
		out[i] = ev
	}
	return out, nil
}

// Corrupt overwrites the payload of one stored record. It exists so tests
// can exercise tamper detection.
func (m *MemorySessionStore) Corrupt(id uuid.UUID, seq int64, payload []byte) {
	rec, err := m.record(id)
	if err != nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if seq >= 1 && int(seq) <= len(rec.events) {
		rec.events[seq-1].Payload = payload
	}
}

// List mirrors ExamSessionRepository.List.
func (m *MemorySessionStore) List(_ context.Context, f SessionFilter) ([]model.ExamSession, int, error) {
	m.mu.Lock()
	recs := make([]*memRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	var allowed map[uuid.UUID]struct{}
	if f.ExamIDs != nil {
		allowed = make(map[uuid.UUID]struct{}, len(f.ExamIDs))
		for _, id := range f.ExamIDs {
			allowed[id] = struct{}{}
		}
	}

	matched := make([]model.ExamSession, 0)
	for _, rec := range recs {
		rec.mu.Lock()
		s := rec.session.Clone()
		rec.mu.Unlock()

		if allowed != nil {
			if _, ok := allowed[s.ExamID]; !ok {
				continue
			}
		}
		if f.ExamID != nil && s.ExamID != *f.ExamID {
			continue
		}
		if f.StudentID != nil && s.StudentID != *f.StudentID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.StartedFrom != nil && s.StartTime.Before(*f.StartedFrom) {
			continue
		}
		if f.StartedTo != nil && s.StartTime.After(*f.StartedTo) {
			continue
		}
		matched = append(matched, *s)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	if f.Limit > 0 {
		start := min(f.Offset, total)
		end := min(start+f.Limit, total)
		matched = matched[start:end]
	}
	return matched, total, nil
}
