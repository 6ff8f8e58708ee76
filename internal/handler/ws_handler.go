package handler

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/monitor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// monitorSource tags events produced by server-side monitors.
const monitorSource = "monitor"

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler drives a session's monitors from the client's sensor socket.
type WSHandler struct {
	sessionService *service.ExamSessionService
	supervisor     *monitor.Supervisor
	events         *eventlog.Log
	log            zerolog.Logger
	upgrader       websocket.Upgrader

	mu    sync.Mutex
	feeds map[uuid.UUID]*ws.ClientFeed
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	sessionService *service.ExamSessionService,
	supervisor *monitor.Supervisor,
	events *eventlog.Log,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		supervisor:     supervisor,
		events:         events,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
		feeds:          make(map[uuid.UUID]*ws.ClientFeed),
	}
}

// Monitor godoc
// WS /ws/v1/sessions/:id/monitor
// Starts the monitors of an in-progress session and feeds them until the
// socket closes or the session ends.
func (h *WSHandler) Monitor(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// SECURITY: only the owner of an in-progress session may attach sensors.
	sess, err := h.sessionService.Get(ctx, middleware.GetIdentity(c), id)
	if err != nil {
		fail(c, h.log, err, response.ErrSessionNotFound)
		return
	}
	if sess.Status != model.SessionStatusInProgress {
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("session_id", id.String()).
		Int("student_id", sess.StudentID).
		Logger()
	feed := ws.NewClientFeed(conn, wsLog)
	h.attach(id, feed, wsLog)
	defer h.detach(id, feed)

	// The read loop must run before monitors start; opening devices waits
	// on client replies.
	var active atomic.Pointer[monitor.Session]
	done := make(chan error, 1)
	go func() {
		done <- feed.Run(ctx, func(msg ws.ClientMessage) {
			msess := active.Load()
			if msess == nil {
				return
			}
			if err := ws.Route(ctx, msess, msg); err != nil {
				_ = feed.Send(ws.ErrorResponse{Type: ws.TypeError, Error: err.Error()})
			}
		})
	}()

	msess := h.supervisor.StartMonitoring(ctx, id, feed.Sensors(), h.events.Sink(id, monitorSource))
	active.Store(msess)
	defer h.supervisor.Stop(msess)

	degraded := msess.Degraded()
	if degraded == nil {
		degraded = []string{}
	}
	_ = feed.Send(ws.ReadyResponse{Type: ws.TypeReady, SessionID: id.String(), Degraded: degraded})
	wsLog.Info().Strs("degraded", degraded).Msg("Student sensor feed connected")

	err = <-done
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		wsLog.Warn().Err(err).Msg("Unexpected close")
	} else {
		wsLog.Debug().Msg("Connection closed")
	}
}

// SessionEnded tells a connected client its session is over and closes the
// socket. Register it as a terminal hook.
func (h *WSHandler) SessionEnded(s *model.ExamSession) {
	h.mu.Lock()
	feed := h.feeds[s.ID]
	h.mu.Unlock()
	if feed == nil {
		return
	}
	_ = feed.Send(ws.SessionEndedResponse{
		Type:   ws.TypeSessionEnded,
		Status: string(s.Status),
		Reason: s.TerminationReason,
	})
	_ = feed.Close(websocket.CloseNormalClosure, "session ended")
}

// attach registers feed as the session's socket. A previous socket for the
// same session is closed; its monitors are replaced by the supervisor.
func (h *WSHandler) attach(id uuid.UUID, feed *ws.ClientFeed, log zerolog.Logger) {
	h.mu.Lock()
	prev := h.feeds[id]
	h.feeds[id] = feed
	h.mu.Unlock()
	if prev != nil {
		log.Info().Msg("Replacing existing sensor feed")
		_ = prev.Close(websocket.ClosePolicyViolation, "superseded by a new connection")
	}
}

func (h *WSHandler) detach(id uuid.UUID, feed *ws.ClientFeed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.feeds[id] == feed {
		delete(h.feeds, id)
	}
}
