package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func authRouter(auth *service.AuthService) *gin.Engine {
	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	api := r.Group("/", RequireJWT(auth))
	api.GET("/student", RequireStudent(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetIdentity(c).UserID})
	})
	api.GET("/review", RequireReviewer(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestRequireJWT(t *testing.T) {
	auth := service.NewAuthService("secret", time.Hour)
	r := authRouter(auth)
	student, err := auth.GenerateToken(7, model.RoleStudent)
	require.NoError(t, err)
	teacher, err := auth.GenerateToken(8, model.RoleTeacher)
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/student", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenRequired, errorCode(t, w))
	})

	t.Run("garbage token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/student", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, response.ErrTokenInvalid, errorCode(t, w))
	})

	t.Run("foreign secret", func(t *testing.T) {
		other, err := service.NewAuthService("other", time.Hour).GenerateToken(7, model.RoleStudent)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/student", nil)
		req.Header.Set("Authorization", "Bearer "+other)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bearer header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/student", nil)
		req.Header.Set("Authorization", "Bearer "+student)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"user":7}`, w.Body.String())
	})

	t.Run("query token", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/review?token="+teacher, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/review?token="+student, nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, response.ErrReviewerAccessOnly, errorCode(t, w))

		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/student?token="+teacher, nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, response.ErrStudentAccessOnly, errorCode(t, w))
	})
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	hit := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2"), "buckets are per caller")

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1"), "bucket refills after the interval")
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(_ context.Context, _ string) (bool, error) {
	return false, io.ErrUnexpectedEOF
}

func TestRateLimit_FailsOpen(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(brokenLimiter{}, ByUser, zerolog.Nop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBrotli(t *testing.T) {
	big := strings.Repeat("proctoring ", 500)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, big) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("compresses large bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/big", nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, "br", w.Header().Get("Content-Encoding"))
		plain, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
		require.NoError(t, err)
		assert.Equal(t, big, string(plain))
	})

	t.Run("leaves small bodies alone", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/small", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("honours accept-encoding", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/big", nil))
		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, big, w.Body.String())
	})
}
