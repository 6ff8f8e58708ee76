package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository reads the exam catalogue. Exams are authored elsewhere;
// this service only needs their schedule and owner.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, author_id, scheduled_start, scheduled_end, created_at
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.AuthorID, &e.ScheduledStart, &e.ScheduledEnd, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return e, nil
}

// ListIDsByAuthor returns the ids of every exam authored by authorID.
func (r *ExamRepository) ListIDsByAuthor(ctx context.Context, authorID int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams WHERE author_id = $1`, authorID)
	if err != nil {
		return nil, fmt.Errorf("list exams by author: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Upsert writes an exam row. Used by the catalogue seeding tool.
func (r *ExamRepository) Upsert(ctx context.Context, e *model.Exam) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exams (id, title, author_id, scheduled_start, scheduled_end)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET title = EXCLUDED.title, author_id = EXCLUDED.author_id,
		     scheduled_start = EXCLUDED.scheduled_start, scheduled_end = EXCLUDED.scheduled_end`,
		e.ID, e.Title, e.AuthorID, e.ScheduledStart, e.ScheduledEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert exam: %w", err)
	}
	return nil
}

// MemoryExamStore is an in-process exam catalogue.
type MemoryExamStore struct {
	mu    sync.RWMutex
	exams map[uuid.UUID]model.Exam
}

// NewMemoryExamStore creates a catalogue holding exams.
func NewMemoryExamStore(exams ...model.Exam) *MemoryExamStore {
	m := &MemoryExamStore{exams: make(map[uuid.UUID]model.Exam)}
	for _, e := range exams {
		m.exams[e.ID] = e
	}
	return m
}

// Put adds or replaces an exam.
func (m *MemoryExamStore) Put(e model.Exam) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exams[e.ID] = e
}

// GetByID returns a copy of the exam.
func (m *MemoryExamStore) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.exams[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &e, nil
}

// ListIDsByAuthor returns the ids of exams authored by authorID.
func (m *MemoryExamStore) ListIDsByAuthor(_ context.Context, authorID int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0)
	for id, e := range m.exams {
		if e.AuthorID == authorID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
