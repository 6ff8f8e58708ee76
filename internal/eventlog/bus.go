package eventlog

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// busQueueSize bounds how far a session's publisher may run ahead of its
// subscribers before Publish blocks.
const busQueueSize = 256

// Appended is delivered to bus subscribers once per durably appended event.
type Appended struct {
	SessionID uuid.UUID
	ExamID    uuid.UUID
	StudentID int
	Seq       int64
	Event     model.ProctoringEvent
}

// Handler receives appended events. Handlers run on the session's
// dispatcher goroutine and must not block on that session's log.
type Handler func(Appended)

type sessionQueue struct {
	mu     sync.Mutex
	ch     chan Appended
	closed bool
}

// Bus fans appended events out to subscribers. Each session gets its own
// queue and dispatcher, so delivery within a session follows publish order
// and one slow session does not hold back the others.
type Bus struct {
	mu       sync.Mutex
	handlers []Handler
	queues   map[uuid.UUID]*sessionQueue
	closed   bool
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewBus creates an idle bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		queues: make(map[uuid.UUID]*sessionQueue),
		log:    log.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers h for every session. Subscribe before the first
// Publish; handlers added later only see events dispatched afterwards.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues a for its session's dispatcher.
func (b *Bus) Publish(a Appended) {
	q := b.queue(a.SessionID)
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.ch <- a
}

func (b *Bus) queue(id uuid.UUID) *sessionQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	q, ok := b.queues[id]
	if !ok {
		q = &sessionQueue{ch: make(chan Appended, busQueueSize)}
		b.queues[id] = q
		b.wg.Add(1)
		go b.dispatch(id, q)
	}
	return q
}

func (b *Bus) dispatch(id uuid.UUID, q *sessionQueue) {
	defer b.wg.Done()
	for a := range q.ch {
		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers...)
		b.mu.Unlock()
		for _, h := range handlers {
			b.deliver(h, a)
		}
	}
	b.log.Debug().Str("session_id", id.String()).Msg("Session queue drained")
}

func (b *Bus) deliver(h Handler, a Appended) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("session_id", a.SessionID.String()).
				Int64("seq", a.Seq).
				Msg("Bus handler panicked")
		}
	}()
	h(a)
}

// CloseSession stops the session's dispatcher after it has delivered
// everything already queued.
func (b *Bus) CloseSession(id uuid.UUID) {
	b.mu.Lock()
	q, ok := b.queues[id]
	delete(b.queues, id)
	b.mu.Unlock()
	if ok {
		q.close()
	}
}

// Close shuts every queue and waits for the dispatchers to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	queues := b.queues
	b.queues = make(map[uuid.UUID]*sessionQueue)
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	b.wg.Wait()
}

func (q *sessionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
