package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

type apiFixture struct {
	router *gin.Engine
	auth   *service.AuthService
	exam   model.Exam
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	start := clk.Now().Add(-time.Hour)
	exam := model.Exam{ID: uuid.New(), Title: "Kimia", AuthorID: 900, ScheduledStart: &start}

	store := repository.NewMemorySessionStore(clk.Now)
	exams := repository.NewMemoryExamStore(exam)
	events := eventlog.New(store, nil, nil, clk, zerolog.Nop())
	sessions := service.NewExamSessionService(store, exams, events, nil, clk, zerolog.Nop())
	review := service.NewReviewService(store, exams, events, sessions, nil, zerolog.Nop())
	auth := service.NewAuthService("test-secret", time.Hour)

	sh := NewSessionHandler(sessions, zerolog.Nop())
	rh := NewReviewHandler(review, zerolog.Nop())

	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	api := r.Group("/api/v1/sessions", middleware.RequireJWT(auth))
	student := api.Group("", middleware.RequireStudent())
	reviewer := api.Group("", middleware.RequireReviewer())

	student.POST("/start", sh.Start)
	student.PUT("/:id/save-answers", sh.SaveAnswers)
	student.PUT("/:id/submit", sh.Submit)
	student.POST("/:id/log-event", sh.LogEvent)
	reviewer.GET("", rh.List)
	reviewer.GET("/live", rh.Live)
	reviewer.GET("/reports", rh.Reports)
	reviewer.GET("/reports/export", rh.ExportReports)
	reviewer.GET("/:id/risk", rh.Risk)
	reviewer.GET("/:id/export", rh.Export)
	reviewer.POST("/:id/terminate", rh.Terminate)
	api.GET("/:id", sh.Get)

	return &apiFixture{router: r, auth: auth, exam: exam}
}

func (f *apiFixture) token(t *testing.T, userID int, role model.Role) string {
	t.Helper()
	tok, err := f.auth.GenerateToken(userID, role)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// startSession starts an attempt for studentID and returns its id.
func (f *apiFixture) startSession(t *testing.T, studentID int) string {
	t.Helper()
	w := f.do(t, f.token(t, studentID, model.RoleStudent), http.MethodPost, "/api/v1/sessions/start",
		map[string]string{"exam_id": f.exam.ID.String()})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, w.Code, w.Body.String())
	var body struct {
		Data model.StartSessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data.SessionID.String()
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var body struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Data
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	require.NotNil(t, body.Error, w.Body.String())
	return body.Error.Code
}

func TestStart(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, 42, model.RoleStudent)

	w := f.do(t, tok, http.MethodPost, "/api/v1/sessions/start", map[string]string{"exam_id": f.exam.ID.String()})
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[model.StartSessionResponse](t, w)
	assert.False(t, first.Reused)

	w = f.do(t, tok, http.MethodPost, "/api/v1/sessions/start", map[string]string{"exam_id": f.exam.ID.String()})
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[model.StartSessionResponse](t, w)
	assert.True(t, second.Reused)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestStart_Errors(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, 42, model.RoleStudent)

	w := f.do(t, tok, http.MethodPost, "/api/v1/sessions/start", map[string]string{"exam_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrExamNotFound, errCode(t, w))

	w = f.do(t, tok, http.MethodPost, "/api/v1/sessions/start", `{"exam_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrValidation, errCode(t, w))

	w = f.do(t, f.token(t, 900, model.RoleTeacher), http.MethodPost, "/api/v1/sessions/start",
		map[string]string{"exam_id": f.exam.ID.String()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrStudentAccessOnly, errCode(t, w))
}

func TestAnswersAndSubmit(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, 42, model.RoleStudent)
	id := f.startSession(t, 42)

	w := f.do(t, tok, http.MethodPut, "/api/v1/sessions/"+id+"/save-answers", `{"answers":{"q1":"A","q2":["B","C"]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decode[model.ExamSession](t, w)
	assert.Equal(t, model.SessionStatusInProgress, saved.Status)
	assert.Len(t, saved.Answers, 2)

	w = f.do(t, tok, http.MethodPut, "/api/v1/sessions/"+id+"/submit", `{"answers":{"q1":"D"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	submitted := decode[model.ExamSession](t, w)
	assert.Equal(t, model.SessionStatusSubmitted, submitted.Status)
	assert.NotNil(t, submitted.EndTime)

	w = f.do(t, tok, http.MethodPut, "/api/v1/sessions/"+id+"/save-answers", `{"answers":{"q1":"A"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.ErrInvalidTransition, errCode(t, w))

	w = f.do(t, tok, http.MethodPut, "/api/v1/sessions/"+id+"/submit", `{"answers":{}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSaveAnswers_NotOwner(t *testing.T) {
	f := newAPIFixture(t)
	id := f.startSession(t, 42)

	w := f.do(t, f.token(t, 43, model.RoleStudent), http.MethodPut, "/api/v1/sessions/"+id+"/save-answers", `{"answers":{}}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrNotSessionOwner, errCode(t, w))
}

func TestLogEvent(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.token(t, 42, model.RoleStudent)
	id := f.startSession(t, 42)
	path := "/api/v1/sessions/" + id + "/log-event"

	w := f.do(t, tok, http.MethodPost, path, map[string]string{"event_type": "tab-switch", "details": "left the tab"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[model.LogEventResponse](t, w).Persisted)

	w = f.do(t, tok, http.MethodPost, path, map[string]string{"event_type": "Tab Switch", "details": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrValidation, errCode(t, w))

	w = f.do(t, tok, http.MethodPost, path, map[string]string{"event_type": "tab-switch"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.do(t, tok, http.MethodPut, "/api/v1/sessions/"+id+"/submit", `{"answers":{}}`)
	w = f.do(t, tok, http.MethodPost, path, map[string]string{"event_type": "tab-switch", "details": "too late"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[model.LogEventResponse](t, w).Persisted)
}

func TestGet(t *testing.T) {
	f := newAPIFixture(t)
	id := f.startSession(t, 42)
	f.do(t, f.token(t, 42, model.RoleStudent), http.MethodPost, "/api/v1/sessions/"+id+"/log-event",
		map[string]string{"event_type": "off-screen", "details": "looked away"})

	w := f.do(t, f.token(t, 42, model.RoleStudent), http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sess := decode[model.ExamSession](t, w)
	require.Len(t, sess.ProctoringLogs, 1)
	assert.Equal(t, model.EventOffScreen, sess.ProctoringLogs[0].EventType)

	w = f.do(t, f.token(t, 900, model.RoleTeacher), http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, f.token(t, 43, model.RoleStudent), http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, f.token(t, 42, model.RoleStudent), http.MethodGet, "/api/v1/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrInvalidID, errCode(t, w))
}

func TestExportCSV(t *testing.T) {
	f := newAPIFixture(t)
	id := f.startSession(t, 42)
	f.do(t, f.token(t, 42, model.RoleStudent), http.MethodPost, "/api/v1/sessions/"+id+"/log-event",
		map[string]string{"event_type": "tab-switch", "details": `said "hi"`})

	w := f.do(t, f.token(t, 900, model.RoleTeacher), http.MethodGet, "/api/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="session-`+id+`-logs.csv"`, w.Header().Get("Content-Disposition"))
	lines := strings.Split(w.Body.String(), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Timestamp,Event Type,Details", lines[0])
	assert.Contains(t, lines[1], `"tab-switch","said ""hi"""`)

	w = f.do(t, f.token(t, 901, model.RoleTeacher), http.MethodGet, "/api/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrNotExamAuthor, errCode(t, w))

	w = f.do(t, f.token(t, 901, model.RoleTeacher), http.MethodGet, "/api/v1/sessions/"+uuid.NewString()+"/export", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrSessionNotFound, errCode(t, w))

	w = f.do(t, f.token(t, 42, model.RoleStudent), http.MethodGet, "/api/v1/sessions/"+id+"/export", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, response.ErrReviewerAccessOnly, errCode(t, w))
}

func TestTerminate(t *testing.T) {
	f := newAPIFixture(t)
	id := f.startSession(t, 42)
	admin := f.token(t, 1, model.RoleAdmin)

	w := f.do(t, admin, http.MethodPost, "/api/v1/sessions/"+id+"/terminate", map[string]string{"reason": "phone on desk"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sess := decode[model.ExamSession](t, w)
	assert.Equal(t, model.SessionStatusLoggedOut, sess.Status)
	assert.Equal(t, "phone on desk", sess.TerminationReason)

	w = f.do(t, admin, http.MethodPost, "/api/v1/sessions/"+id+"/terminate", map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, admin, http.MethodPost, "/api/v1/sessions/"+id+"/terminate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndReports(t *testing.T) {
	f := newAPIFixture(t)
	for sid := 1; sid <= 3; sid++ {
		f.startSession(t, sid)
	}
	teacher := f.token(t, 900, model.RoleTeacher)

	w := f.do(t, teacher, http.MethodGet, "/api/v1/sessions?page=1&limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.NotNil(t, page.Pagination)
	assert.Equal(t, 3, page.Pagination.TotalItems)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	assert.Len(t, decode[[]model.ExamSession](t, w), 2)

	w = f.do(t, teacher, http.MethodGet, "/api/v1/sessions?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, teacher, http.MethodGet, "/api/v1/sessions/live", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.SessionReport](t, w), 3)

	w = f.do(t, teacher, http.MethodGet, "/api/v1/sessions/reports?flagged=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.SessionReport](t, w))

	w = f.do(t, teacher, http.MethodGet, "/api/v1/sessions/reports?start_date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrInvalidQuery, errCode(t, w))

	w = f.do(t, teacher, http.MethodGet, "/api/v1/sessions/reports/export?end_date=2026-03-01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "PK", w.Body.String()[:2])
}

func TestRisk(t *testing.T) {
	f := newAPIFixture(t)
	id := f.startSession(t, 42)
	tok := f.token(t, 42, model.RoleStudent)
	for range 2 {
		f.do(t, tok, http.MethodPost, "/api/v1/sessions/"+id+"/log-event",
			map[string]string{"event_type": "tab-switch", "details": "left"})
	}

	w := f.do(t, f.token(t, 900, model.RoleTeacher), http.MethodGet, "/api/v1/sessions/"+id+"/risk", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[service.RiskReport](t, w)
	assert.Equal(t, 2, rep.Risk.TabSwitches)
	assert.Equal(t, 2, rep.Risk.TotalViolations)
}
