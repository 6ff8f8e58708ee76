package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionFilter narrows session listings. Zero fields do not filter.
type SessionFilter struct {
	// ExamIDs restricts results to these exams when non-nil. An empty,
	// non-nil slice matches nothing.
	ExamIDs     []uuid.UUID
	ExamID      *uuid.UUID
	StudentID   *int
	Status      model.SessionStatus
	StartedFrom *time.Time
	StartedTo   *time.Time
	Limit       int
	Offset      int
}

const sessionColumns = `id, student_id, exam_id, start_time, end_time, status, answers,
	termination_reason, final_score, snapshot_url, room_scan_video_url,
	screen_recording_url, created_at`

// ExamSessionRepository persists sessions and their proctoring log in
// PostgreSQL. Every mutation of one session runs under its row lock.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// Create inserts an in-progress session for (studentID, examID), or returns
// the one that already exists. created is false when an existing session
// was returned.
func (r *ExamSessionRepository) Create(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamSession, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		s := &model.ExamSession{}
		err := scanSession(r.pool.QueryRow(ctx,
			`INSERT INTO exam_sessions (student_id, exam_id, status, answers)
			 VALUES ($1, $2, $3, '[]'::jsonb)
			 ON CONFLICT (student_id, exam_id) WHERE status = 'in-progress' DO NOTHING
			 RETURNING `+sessionColumns,
			studentID, examID, model.SessionStatusInProgress,
		), s)
		if err == nil {
			return s, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("insert session: %w", err)
		}

		// Concurrent start: someone else holds the in-progress slot.
		existing, err := r.findInProgress(ctx, studentID, examID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, false, err
		}
		// The other session finished in between; try the insert again.
	}
	return nil, false, errors.New("create session: lost too many concurrent races")
}

func (r *ExamSessionRepository) findInProgress(ctx context.Context, studentID int, examID uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE student_id = $1 AND exam_id = $2 AND status = $3`,
		studentID, examID, model.SessionStatusInProgress,
	), s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("find in-progress session: %w", err)
	}
	return s, nil
}

// GetByID retrieves a session without its log.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id,
	), s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// Update locks the session row, applies fn and writes the result back in
// one transaction. If fn returns an error nothing is written.
func (r *ExamSessionRepository) Update(ctx context.Context, id uuid.UUID, fn func(*model.ExamSession) error) (*model.ExamSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := lockSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}

	answers, err := encodeAnswers(s.Answers)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, end_time = $3, answers = $4, termination_reason = $5, final_score = $6
		 WHERE id = $1`,
		id, s.Status, s.EndTime, answers, s.TerminationReason, s.FinalScore,
	); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

// AppendEvent locks the session row, runs check against it and appends rec
// with the next sequence number. It returns the assigned sequence.
func (r *ExamSessionRepository) AppendEvent(ctx context.Context, id uuid.UUID, check func(*model.ExamSession) error, rec model.StoredEvent) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := lockSession(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if err := check(s); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO proctoring_events (session_id, seq, recorded_at, payload, encrypted)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM proctoring_events WHERE session_id = $1), 0) + 1, $2, $3, $4)
		 RETURNING seq`,
		id, rec.RecordedAt, rec.Payload, rec.Encrypted,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// ListEvents returns every stored record of a session in append order.
func (r *ExamSessionRepository) ListEvents(ctx context.Context, id uuid.UUID) ([]model.StoredEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, seq, recorded_at, payload, encrypted
		 FROM proctoring_events
		 WHERE session_id = $1
		 ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]model.StoredEvent, 0)
	for rows.Next() {
		var e model.StoredEvent
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.RecordedAt, &e.Payload, &e.Encrypted); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// List returns sessions matching f ordered by start time (newest first),
// plus the total number of matches ignoring Limit/Offset.
func (r *ExamSessionRepository) List(ctx context.Context, f SessionFilter) ([]model.ExamSession, int, error) {
	if f.ExamIDs != nil && len(f.ExamIDs) == 0 {
		return []model.ExamSession{}, 0, nil
	}

	baseQuery := ` FROM exam_sessions WHERE 1=1`
	args := []any{}

	if f.ExamIDs != nil {
		ids := make([]string, len(f.ExamIDs))
		for i, id := range f.ExamIDs {
			ids[i] = id.String()
		}
		args = append(args, ids)
		baseQuery += fmt.Sprintf(" AND exam_id = ANY($%d::uuid[])", len(args))
	}
	if f.ExamID != nil {
		args = append(args, *f.ExamID)
		baseQuery += fmt.Sprintf(" AND exam_id = $%d", len(args))
	}
	if f.StudentID != nil {
		args = append(args, *f.StudentID)
		baseQuery += fmt.Sprintf(" AND student_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		baseQuery += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.StartedFrom != nil {
		args = append(args, *f.StartedFrom)
		baseQuery += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if f.StartedTo != nil {
		args = append(args, *f.StartedTo)
		baseQuery += fmt.Sprintf(" AND start_time <= $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*)"+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := "SELECT " + sessionColumns + baseQuery + " ORDER BY start_time DESC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.ExamSession, 0)
	for rows.Next() {
		var s model.ExamSession
		if err := scanSession(rows, &s); err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

// ─── helpers ────────────────────────────────────────────────────────

func lockSession(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id,
	), s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return s, nil
}

func scanSession(row pgx.Row, s *model.ExamSession) error {
	var answers []byte
	if err := row.Scan(
		&s.ID, &s.StudentID, &s.ExamID, &s.StartTime, &s.EndTime, &s.Status, &answers,
		&s.TerminationReason, &s.FinalScore, &s.SnapshotURL, &s.RoomScanVideoURL,
		&s.ScreenRecordingURL, &s.CreatedAt,
	); err != nil {
		return err
	}
	return decodeAnswers(answers, &s.Answers)
}

func encodeAnswers(a model.Answers) ([]byte, error) {
	list := []model.Answer(a)
	if list == nil {
		list = []model.Answer{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	return b, nil
}

func decodeAnswers(raw []byte, dst *model.Answers) error {
	var list []model.Answer
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode answers: %w", err)
		}
	}
	if list == nil {
		list = []model.Answer{}
	}
	*dst = model.Answers(list)
	return nil
}
