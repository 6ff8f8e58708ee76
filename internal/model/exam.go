package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is the subset of exam data the proctoring core needs from the
// authoring side.
type Exam struct {
	ID             uuid.UUID  `json:"id"`
	Title          string     `json:"title"`
	AuthorID       int        `json:"author_id"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// OpenAt reports whether t falls inside the exam window. A missing bound is
// treated as unbounded.
func (e *Exam) OpenAt(t time.Time) bool {
	if e.ScheduledStart != nil && t.Before(*e.ScheduledStart) {
		return false
	}
	if e.ScheduledEnd != nil && t.After(*e.ScheduledEnd) {
		return false
	}
	return true
}
