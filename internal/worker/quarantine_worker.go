package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/seal"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// quarantinePayload is the queue encoding of a late event. The event JSON
// is sealed with the session id as associated data when a cipher is set.
type quarantinePayload struct {
	SessionID  string `json:"session_id"`
	StudentID  int    `json:"student_id"`
	EventType  string `json:"event_type"`
	ReceivedAt int64  `json:"received_at"` // unix millis
	Payload    string `json:"payload"`     // base64
	Encrypted  bool   `json:"encrypted"`
}

func encodeQuarantined(c *seal.Cipher, q model.QuarantinedEvent) ([]byte, error) {
	raw, err := json.Marshal(q.Event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	p := quarantinePayload{
		SessionID:  q.SessionID.String(),
		StudentID:  q.StudentID,
		EventType:  string(q.Event.EventType),
		ReceivedAt: q.ReceivedAt.UnixMilli(),
	}
	if c != nil {
		raw, err = c.Seal(raw, q.SessionID[:])
		if err != nil {
			return nil, fmt.Errorf("seal event: %w", err)
		}
		p.Encrypted = true
	}
	p.Payload = base64.StdEncoding.EncodeToString(raw)
	return json.Marshal(p)
}

// row returns the insert values for a payload, or an error if it can never
// be stored.
func (p *quarantinePayload) row() ([]any, error) {
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return []any{
		sessionID, p.StudentID, p.EventType, data, p.Encrypted, time.UnixMilli(p.ReceivedAt).UTC(),
	}, nil
}

var quarantineColumns = []string{"session_id", "student_id", "event_type", "payload", "encrypted", "received_at"}

// QuarantineQueue pushes late events onto the Redis queue drained by
// QuarantineWorker.
type QuarantineQueue struct {
	rdb    *redis.Client
	cipher *seal.Cipher
}

// NewQuarantineQueue creates a new QuarantineQueue. cipher may be nil.
func NewQuarantineQueue(rdb *redis.Client, cipher *seal.Cipher) *QuarantineQueue {
	return &QuarantineQueue{rdb: rdb, cipher: cipher}
}

// Push enqueues one late event.
func (q *QuarantineQueue) Push(ctx context.Context, ev model.QuarantinedEvent) error {
	data, err := encodeQuarantined(q.cipher, ev)
	if err != nil {
		return err
	}
	return q.rdb.RPush(ctx, config.WorkerKey.QuarantineEventsQueue, data).Err()
}

// QuarantineWorker persists quarantined events in batches.
type QuarantineWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

func NewQuarantineWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *QuarantineWorker {
	return &QuarantineWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "quarantine_worker").Logger(),
	}
}

func (w *QuarantineWorker) Start(ctx context.Context) {
	w.log.Info().Msg("QuarantineWorker started")

	buffer := make([]*quarantinePayload, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// BLPop returns immediately if data exists.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.QuarantineEventsQueue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.shutdown(buffer)
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var payload quarantinePayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, &payload)
	}
}

// flushSafe attempts bulk insert, then row-by-row insert, then requeue.
func (w *QuarantineWorker) flushSafe(ctx context.Context, batch []*quarantinePayload) {
	if err := w.bulkInsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *QuarantineWorker) bulkInsert(ctx context.Context, batch []*quarantinePayload) error {
	rows := make([][]any, 0, len(batch))
	for _, p := range batch {
		row, err := p.row()
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"quarantined_proctoring_events"},
		quarantineColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *QuarantineWorker) fallbackInsert(ctx context.Context, batch []*quarantinePayload) {
	requeueList := make([]*quarantinePayload, 0)

	for _, p := range batch {
		row, err := p.row()
		if err != nil {
			w.log.Error().Err(err).Str("session_id", p.SessionID).Msg("Dropping undecodable quarantined event")
			continue
		}
		_, err = w.pool.Exec(ctx,
			`INSERT INTO quarantined_proctoring_events (session_id, student_id, event_type, payload, encrypted, received_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			row...,
		)
		if err != nil {
			w.log.Error().Err(err).Str("session_id", p.SessionID).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, p)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *QuarantineWorker) requeue(ctx context.Context, items []*quarantinePayload) {
	pipe := w.rdb.Pipeline()
	for _, p := range items {
		data, _ := json.Marshal(p)
		pipe.RPush(ctx, config.WorkerKey.QuarantineEventsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue quarantined events. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	time.Sleep(2 * time.Second)
}

func (w *QuarantineWorker) shutdown(buffer []*quarantinePayload) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
