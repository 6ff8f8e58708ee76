package monitor

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Config groups the per-monitor settings.
type Config struct {
	Face       FaceConfig
	Audio      AudioConfig
	Visibility VisibilityConfig
	Network    NetworkConfig
	Security   SecurityConfig
}

// DefaultConfig returns production settings for every monitor.
func DefaultConfig() Config {
	return Config{
		Face:       DefaultFaceConfig(),
		Audio:      DefaultAudioConfig(),
		Visibility: DefaultVisibilityConfig(),
		Network:    DefaultNetworkConfig(),
		Security:   DefaultSecurityConfig(),
	}
}

// Session is the running monitor set of one exam session.
type Session struct {
	ID uuid.UUID

	Face       *FaceMonitor
	Audio      *AudioMonitor
	Visibility *VisibilityMonitor
	Network    *NetworkMonitor
	Security   *SecurityMonitor

	sink     Sink
	cancel   context.CancelFunc
	stops    []StopFunc
	degraded []string
	once     sync.Once
}

// Degraded lists the monitors that could not start.
func (s *Session) Degraded() []string {
	return append([]string(nil), s.degraded...)
}

// Supervisor owns the monitor sets of every active session.
type Supervisor struct {
	config func() Config
	clock  clock.Clock
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewSupervisor creates a supervisor. config is consulted each time a
// session starts, so reloaded settings apply to new sessions only.
func NewSupervisor(config func() Config, clk clock.Clock, log zerolog.Logger) *Supervisor {
	if config == nil {
		config = DefaultConfig
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		config:   config,
		clock:    clk,
		log:      log.With().Str("component", "monitor-supervisor").Logger(),
		sessions: make(map[uuid.UUID]*Session),
	}
}

// StartMonitoring builds and starts every monitor for sessionID. A monitor
// that fails to start is left out; the rest keep running. Any monitors
// already running for the session are stopped first.
func (s *Supervisor) StartMonitoring(ctx context.Context, sessionID uuid.UUID, sensors Sensors, sink Sink) *Session {
	cfg := s.config()
	log := s.log.With().Str("session_id", sessionID.String()).Logger()

	// Monitors outlive the request that started them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &Session{
		ID:         sessionID,
		Face:       NewFaceMonitor(cfg.Face, sensors.Devices, sink, s.clock, log),
		Audio:      NewAudioMonitor(cfg.Audio, sensors.Devices, sink, s.clock, log),
		Visibility: NewVisibilityMonitor(cfg.Visibility, sink, s.clock, log),
		Network:    NewNetworkMonitor(cfg.Network, sensors.Prober, sink, s.clock, log),
		Security:   NewSecurityMonitor(cfg.Security, sensors, sink, s.clock, log),
		sink:       sink,
		cancel:     cancel,
	}

	s.mu.Lock()
	prev := s.sessions[sessionID]
	s.sessions[sessionID] = sess
	s.mu.Unlock()
	if prev != nil {
		log.Info().Msg("Replacing running monitors")
		prev.stop(runCtx, s.clock)
	}

	emitter{sink: sink, clock: s.clock, log: log}.emit(runCtx, model.EventMonitoringStarted, "Proctoring monitors started")

	for _, m := range []Monitor{sess.Face, sess.Audio, sess.Visibility, sess.Network, sess.Security} {
		stop, err := m.Start(runCtx)
		if err != nil {
			log.Warn().Err(err).Str("monitor", m.Name()).Msg("Monitor degraded")
			sess.degraded = append(sess.degraded, m.Name())
			continue
		}
		sess.stops = append(sess.stops, stop)
	}

	log.Info().
		Int("running", len(sess.stops)).
		Strs("degraded", sess.degraded).
		Msg("Monitoring started")
	return sess
}

// Stop stops sess. It only forgets the session if sess is still the one
// registered, so a stale handle cannot tear down its replacement.
func (s *Supervisor) Stop(sess *Session) {
	s.mu.Lock()
	if cur, ok := s.sessions[sess.ID]; ok && cur == sess {
		delete(s.sessions, sess.ID)
	}
	s.mu.Unlock()
	sess.stop(context.Background(), s.clock)
}

// StopMonitoring stops whatever runs for sessionID. Idempotent.
func (s *Supervisor) StopMonitoring(sessionID uuid.UUID) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		sess.stop(context.Background(), s.clock)
	}
}

// Get returns the running monitor set for sessionID.
func (s *Supervisor) Get(sessionID uuid.UUID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Active returns how many sessions are being monitored.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StopAll stops every session. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[uuid.UUID]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.stop(context.Background(), s.clock)
	}
}

func (sess *Session) stop(ctx context.Context, clk clock.Clock) {
	sess.once.Do(func() {
		for i := len(sess.stops) - 1; i >= 0; i-- {
			sess.stops[i]()
		}
		sess.cancel()

		details := "Proctoring monitors stopped"
		if len(sess.degraded) > 0 {
			details += " (degraded: " + strings.Join(sess.degraded, ", ") + ")"
		}
		emitter{sink: sess.sink, clock: clk, log: zerolog.Nop()}.emit(ctx, model.EventMonitoringStopped, details)
	})
}
