package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/report"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	csvContentType  = "text/csv; charset=utf-8"
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	reportsFilename = "session-reports.xlsx"
)

var errBadQuery = errors.New("bad query")

// ReviewHandler serves teacher and admin review endpoints.
type ReviewHandler struct {
	reviewService *service.ReviewService
	log           zerolog.Logger
}

// NewReviewHandler creates a new ReviewHandler.
func NewReviewHandler(reviewService *service.ReviewService, log zerolog.Logger) *ReviewHandler {
	return &ReviewHandler{
		reviewService: reviewService,
		log:           log.With().Str("component", "review_handler").Logger(),
	}
}

// List godoc
// GET /api/v1/sessions?exam_id=&status=&page=&limit=
func (h *ReviewHandler) List(c *gin.Context) {
	examID, err := optionalUUID(c.Query("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidQuery)
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultPageSize)))

	result, err := h.reviewService.List(c.Request.Context(), middleware.GetIdentity(c), service.ListQuery{
		ExamID: examID,
		Status: model.SessionStatus(c.Query("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		fail(c, h.log, err, response.ErrExamNotFound)
		return
	}
	response.SuccessWithPagination(c, http.StatusOK, result.Sessions,
		response.NewPagination(result.Page, result.Limit, result.Total))
}

// Live godoc
// GET /api/v1/sessions/live?exam_id=
// In-progress sessions with their current risk analysis.
func (h *ReviewHandler) Live(c *gin.Context) {
	examID, err := optionalUUID(c.Query("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidQuery)
		return
	}
	reports, err := h.reviewService.Live(c.Request.Context(), middleware.GetIdentity(c), examID)
	if err != nil {
		fail(c, h.log, err, response.ErrExamNotFound)
		return
	}
	response.Success(c, http.StatusOK, reports)
}

// Reports godoc
// GET /api/v1/sessions/reports?exam_id=&flagged=&start_date=&end_date=
func (h *ReviewHandler) Reports(c *gin.Context) {
	reports, ok := h.reports(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, reports)
}

// ExportReports godoc
// GET /api/v1/sessions/reports/export
// Same filters as Reports, rendered as an XLSX workbook.
func (h *ReviewHandler) ExportReports(c *gin.Context) {
	reports, ok := h.reports(c)
	if !ok {
		return
	}
	err := response.Attachment(c, xlsxContentType, reportsFilename, func(w io.Writer) error {
		return report.WriteReportsXLSX(w, reports)
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to write reports workbook")
	}
}

func (h *ReviewHandler) reports(c *gin.Context) ([]model.SessionReport, bool) {
	q, err := parseReportQuery(c)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidQuery)
		return nil, false
	}
	reports, err := h.reviewService.Reports(c.Request.Context(), middleware.GetIdentity(c), q)
	if err != nil {
		fail(c, h.log, err, response.ErrExamNotFound)
		return nil, false
	}
	return reports, true
}

// Risk godoc
// GET /api/v1/sessions/:id/risk
func (h *ReviewHandler) Risk(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	risk, err := h.reviewService.Risk(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, risk)
}

// Export godoc
// GET /api/v1/sessions/:id/export
// Streams the session's proctoring log as CSV.
func (h *ReviewHandler) Export(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	entries, err := h.reviewService.ExportEntries(c.Request.Context(), middleware.GetIdentity(c), id)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	err = response.Attachment(c, csvContentType, report.Filename(id), func(w io.Writer) error {
		return report.WriteCSV(w, entries)
	})
	if err != nil {
		h.log.Error().Err(err).Str("session_id", id.String()).Msg("Failed to write log export")
	}
}

// Terminate godoc
// POST /api/v1/sessions/:id/terminate
func (h *ReviewHandler) Terminate(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req model.TerminateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sess, err := h.reviewService.Terminate(c.Request.Context(), middleware.GetIdentity(c), id, req.Reason)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// ─── Query parsing ──────────────────────────────────────────────────

func parseReportQuery(c *gin.Context) (service.ReportQuery, error) {
	var q service.ReportQuery
	var err error
	if q.ExamID, err = optionalUUID(c.Query("exam_id")); err != nil {
		return q, err
	}
	if raw := c.Query("flagged"); raw != "" {
		flagged, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errBadQuery
		}
		q.Flagged = &flagged
	}
	if q.StartDate, err = optionalDate(c.Query("start_date"), false); err != nil {
		return q, err
	}
	if q.EndDate, err = optionalDate(c.Query("end_date"), true); err != nil {
		return q, err
	}
	return q, nil
}

func optionalUUID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errBadQuery
	}
	return &id, nil
}

// optionalDate accepts RFC 3339 timestamps or plain dates. A plain end date
// covers the whole day.
func optionalDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errBadQuery
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
