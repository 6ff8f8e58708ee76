package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionHandler handles the student side of an exam session.
type SessionHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.ExamSessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// Start godoc
// POST /api/v1/sessions/start
// Starts an attempt, or resumes the one already in progress (200 vs 201).
func (h *SessionHandler) Start(c *gin.Context) {
	var req model.StartSessionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, reused, err := h.sessionService.Start(c.Request.Context(), middleware.GetIdentity(c), req.ExamID)
	if err != nil {
		fail(c, h.log, err, response.ErrExamNotFound)
		return
	}

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	response.Success(c, status, model.StartSessionResponse{SessionID: sess.ID, Reused: reused})
}

// SaveAnswers godoc
// PUT /api/v1/sessions/:id/save-answers
func (h *SessionHandler) SaveAnswers(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req model.SaveAnswersRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessionService.SaveAnswers(c.Request.Context(), middleware.GetIdentity(c), id, req.Answers)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// Submit godoc
// PUT /api/v1/sessions/:id/submit
func (h *SessionHandler) Submit(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.sessionService.Submit(c.Request.Context(), middleware.GetIdentity(c), id, req.Answers)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// LogEvent godoc
// POST /api/v1/sessions/:id/log-event
// Events for a finished session answer 200 with persisted=false.
func (h *SessionHandler) LogEvent(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req model.LogEventRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ev := model.ProctoringEvent{
		EventType:   req.EventType,
		Details:     req.Details,
		SnapshotRef: req.SnapshotRef,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	persisted, err := h.sessionService.LogEvent(c.Request.Context(), middleware.GetIdentity(c), id, ev)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, model.LogEventResponse{Persisted: persisted})
}

// Get godoc
// GET /api/v1/sessions/:id
// Owner, exam author or admin only.
func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	sess, err := h.sessionService.Get(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, sess)
}
