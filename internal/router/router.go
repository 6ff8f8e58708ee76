package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	Review  *handler.ReviewHandler
	Monitor *handler.MonitorHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// Limiters groups the rate limiters applied to routes.
type Limiters struct {
	// API bounds every authenticated caller across the REST surface.
	API middleware.Limiter
	// LogEvent bounds client-reported proctoring events per student.
	LogEvent middleware.Limiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiters Limiters,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Content-Disposition"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally. Workbooks are zip archives already.
	router.Use(middleware.BrotliWithConfig(middleware.BrotliConfig{
		Quality:   middleware.DefaultBrotliConfig.Quality,
		MinLength: middleware.DefaultBrotliConfig.MinLength,
		Skipper: func(c *gin.Context) bool {
			return strings.HasSuffix(c.Request.URL.Path, "/reports/export")
		},
	}))

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Sessions (JWT) ─────────────────────────────────────────────
	sessions := router.Group("/api/v1/sessions")
	sessions.Use(middleware.RequireJWT(authService))
	if limiters.API != nil {
		sessions.Use(middleware.RateLimit(limiters.API, middleware.ByUser, log))
	}
	{
		// Owner, exam author or admin; the service decides.
		sessions.GET("/:id", handlers.Session.Get)
	}

	// ─── 2. Student ────────────────────────────────────────────────────
	student := sessions.Group("")
	student.Use(middleware.RequireStudent())
	{
		student.POST("/start", handlers.Session.Start)
		student.PUT("/:id/save-answers", handlers.Session.SaveAnswers)
		student.PUT("/:id/submit", handlers.Session.Submit)

		logEvent := []gin.HandlerFunc{handlers.Session.LogEvent}
		if limiters.LogEvent != nil {
			logEvent = append([]gin.HandlerFunc{middleware.RateLimit(limiters.LogEvent, middleware.ByUser, log)}, logEvent...)
		}
		student.POST("/:id/log-event", logEvent...)
	}

	// ─── 3. Reviewer (teacher / admin) ─────────────────────────────────
	reviewer := sessions.Group("")
	reviewer.Use(middleware.RequireReviewer())
	{
		reviewer.GET("", handlers.Review.List)
		reviewer.GET("/live", handlers.Review.Live)
		reviewer.GET("/live/stream", handlers.Monitor.Stream)
		reviewer.GET("/reports", handlers.Review.Reports)
		reviewer.GET("/reports/export", handlers.Review.ExportReports)
		reviewer.GET("/:id/risk", handlers.Review.Risk)
		reviewer.GET("/:id/export", handlers.Review.Export)
		reviewer.POST("/:id/terminate", handlers.Review.Terminate)
	}

	// ─── 4. System (admin) ─────────────────────────────────────────────
	system := router.Group("/api/v1/system")
	system.Use(middleware.RequireJWT(authService), middleware.RequireAdmin())
	{
		system.GET("/metrics", handlers.System.SystemMetricsSSE)
	}

	// ─── 5. WebSocket (student sensor feed) ────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireJWT(authService), middleware.RequireStudent())
	{
		ws.GET("/sessions/:id/monitor", handlers.WS.Monitor)
	}

	return router
}
