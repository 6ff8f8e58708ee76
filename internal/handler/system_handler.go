package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

const (
	metricsInterval = 7 * time.Second
	queueTimeout    = 2 * time.Second
)

// ActiveCounter reports how many sessions are being monitored.
type ActiveCounter interface {
	Active() int
}

// SystemHandler streams process and proctoring metrics to admins via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	monitors  ActiveCounter
	startTime time.Time
	interval  time.Duration
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. rdb may be nil when the
// quarantine queue is not in use.
func NewSystemHandler(rdb *redis.Client, monitors ActiveCounter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		monitors:  monitors,
		startTime: time.Now(),
		interval:  metricsInterval,
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Proctoring
	MonitoredSessions int   `json:"monitored_sessions"`
	QueueQuarantine   int64 `json:"queue_quarantine"`
}

// SystemMetricsSSE godoc
// GET /api/v1/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	h.log.Info().Msg("Admin connected to system metrics SSE")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Admin disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(data)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp: time.Now().Unix(),
		Uptime:    time.Since(h.startTime).Truncate(time.Second).String(),
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}

	// ── Go Runtime ──
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.NumGC = ms.NumGC

	// ── Proctoring ──
	if h.monitors != nil {
		m.MonitoredSessions = h.monitors.Active()
	}
	if h.rdb != nil {
		qctx, cancel := context.WithTimeout(ctx, queueTimeout)
		defer cancel()
		if n, err := h.rdb.LLen(qctx, config.WorkerKey.QuarantineEventsQueue).Result(); err == nil {
			m.QueueQuarantine = n
		} else {
			h.log.Debug().Err(err).Msg("Quarantine queue length unavailable")
		}
	}
	return m
}
