package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/livefeed"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow log reads from blocking the SSE loop
)

// MonitorHandler streams live proctoring activity of one exam to reviewers.
type MonitorHandler struct {
	reviewService *service.ReviewService
	feed          livefeed.Feed
	log           zerolog.Logger

	refreshEvery   time.Duration
	keepAliveEvery time.Duration
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(reviewService *service.ReviewService, feed livefeed.Feed, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		reviewService:  reviewService,
		feed:           feed,
		log:            log.With().Str("component", "monitor_handler").Logger(),
		refreshEvery:   refreshInterval,
		keepAliveEvery: keepAliveInterval,
	}
}

// snapshot is the full state of an exam's in-progress sessions.
type snapshot struct {
	Type     string                `json:"type"`
	ExamID   uuid.UUID             `json:"exam_id"`
	Sessions []model.SessionReport `json:"sessions"`
}

// Stream godoc
// GET /api/v1/sessions/live/stream?exam_id=
// Sends a snapshot, then every live message for the exam, with periodic
// snapshot refreshes and keepalive pings.
func (h *MonitorHandler) Stream(c *gin.Context) {
	examID, err := uuid.Parse(c.Query("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidQuery)
		return
	}
	ident := middleware.GetIdentity(c)
	reqCtx := c.Request.Context()

	// 1. Subscribe first so nothing slips between the snapshot and the
	// stream.
	sub, err := h.feed.Subscribe(reqCtx, examID)
	if err != nil {
		fail(c, h.log, err, response.ErrExamNotFound)
		return
	}
	defer sub.Close()

	// 2. Initial snapshot doubles as the authorization check.
	initial, err := h.reviewService.Live(reqCtx, ident, &examID)
	if err != nil {
		fail(c, h.log, err, response.ErrExamNotFound)
		return
	}

	// 3. SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	h.writeJSON(c, snapshot{Type: "snapshot", ExamID: examID, Sessions: initial})

	keepAliveTicker := time.NewTicker(h.keepAliveEvery)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(h.refreshEvery)
	defer refreshTicker.Stop()

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": livefeed.TypePing})

	log := h.log.With().Str("exam_id", examID.String()).Int("reviewer_id", ident.UserID).Logger()
	log.Info().Msg("Reviewer attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Reviewer disconnected from live monitor SSE")
			return

		case payload, ok := <-sub.C():
			if !ok {
				log.Warn().Msg("Live feed closed")
				return
			}
			// Forward raw JSON directly, no deserialization needed
			h.write(c, payload)

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, ident, examID)

		case <-keepAliveTicker.C:
			h.write(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, ident model.Identity, examID uuid.UUID) {
	// Scoped timeout prevents a slow read from stalling the SSE loop
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	sessions, err := h.reviewService.Live(ctx, ident, &examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to refresh live sessions")
		return
	}
	h.writeJSON(c, snapshot{Type: "refresh", ExamID: examID, Sessions: sessions})
}

func (h *MonitorHandler) writeJSON(c *gin.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode SSE payload")
		return
	}
	h.write(c, data)
}

func (h *MonitorHandler) write(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
