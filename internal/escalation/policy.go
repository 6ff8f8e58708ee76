// Package escalation classifies appended proctoring events into
// violations and forces a session out once a critical violation or too
// many violations accumulate.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Event sources whose events the policy never classifies; they are the
// audit trail of a termination, not evidence for one.
const (
	SourceEscalation = "escalation"
	SourceReviewer   = "reviewer"
)

// Terminator forces a session into a terminal state.
type Terminator interface {
	ForceTerminate(ctx context.Context, id uuid.UUID, reason string, target model.SessionStatus) (*model.ExamSession, error)
}

// Appender records the audit event preceding a termination.
type Appender interface {
	Append(ctx context.Context, ident model.Identity, sessionID uuid.UUID, ev model.ProctoringEvent) (int64, error)
}

type sessionState struct {
	cfg        Config
	violations []Violation
	scheduled  bool
	fired      bool
	target     model.SessionStatus
	reason     string
	timer      clock.Timer
}

// Policy tracks violations of every active session.
type Policy struct {
	config     func() Config
	terminator Terminator
	appender   Appender
	clock      clock.Clock
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionState
	stopped  bool
}

// New creates a policy. config is read when a session records its first
// violation; the session keeps that snapshot.
func New(config func() Config, terminator Terminator, appender Appender, clk clock.Clock, log zerolog.Logger) *Policy {
	if config == nil {
		config = DefaultConfig
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Policy{
		config:     config,
		terminator: terminator,
		appender:   appender,
		clock:      clk,
		log:        log.With().Str("component", "escalation").Logger(),
		sessions:   make(map[uuid.UUID]*sessionState),
	}
}

// HandleAppended classifies one appended event. Subscribe it to the event
// bus.
func (p *Policy) HandleAppended(a eventlog.Appended) {
	if a.Event.Source == SourceEscalation || a.Event.Source == SourceReviewer {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	st, ok := p.sessions[a.SessionID]
	if !ok {
		cfg := p.config()
		if _, counted := cfg.Severities[a.Event.EventType]; !counted {
			return
		}
		st = &sessionState{cfg: cfg}
		p.sessions[a.SessionID] = st
	}
	sev, counted := st.cfg.Severities[a.Event.EventType]
	if !counted {
		return
	}

	st.violations = append(st.violations, Violation{
		Seq:       a.Seq,
		EventType: a.Event.EventType,
		Severity:  sev,
		Details:   a.Event.Details,
		At:        a.Event.Timestamp,
	})

	if st.scheduled {
		return
	}
	switch {
	case sev == SeverityCritical:
		p.schedule(a.SessionID, st, model.SessionStatusLoggedOut,
			fmt.Sprintf("Critical violation: %s", a.Event.EventType))
	case len(st.violations) >= st.cfg.MaxViolations:
		p.schedule(a.SessionID, st, model.SessionStatusCheatingDetected,
			fmt.Sprintf("Violation limit reached (%d violations)", len(st.violations)))
	}
}

// schedule must be called with mu held.
func (p *Policy) schedule(id uuid.UUID, st *sessionState, target model.SessionStatus, reason string) {
	st.scheduled = true
	st.target = target
	st.reason = reason
	st.timer = p.clock.AfterFunc(st.cfg.GracePeriod, func() { p.fire(id) })

	p.log.Warn().
		Str("session_id", id.String()).
		Str("target", string(target)).
		Str("reason", reason).
		Dur("grace", st.cfg.GracePeriod).
		Msg("Termination scheduled")
}

func (p *Policy) fire(id uuid.UUID) {
	p.mu.Lock()
	st, ok := p.sessions[id]
	if !ok || st.fired || p.stopped {
		p.mu.Unlock()
		return
	}
	st.fired = true
	st.timer = nil
	target, reason := st.target, st.reason
	p.mu.Unlock()

	defer p.Release(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log := p.log.With().Str("session_id", id.String()).Logger()

	auditType := model.EventForcedLogout
	if target == model.SessionStatusCheatingDetected {
		auditType = model.EventCheatingDetected
	}
	_, err := p.appender.Append(ctx, model.SystemIdentity(), id, model.ProctoringEvent{
		EventType: auditType,
		Details:   reason,
		Source:    SourceEscalation,
	})
	if errors.Is(err, model.ErrInvalidTransition) {
		log.Info().Msg("Session already finished, termination skipped")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to record termination audit event")
	}

	if _, err := p.terminator.ForceTerminate(ctx, id, reason, target); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			log.Info().Msg("Session finished before termination")
			return
		}
		log.Error().Err(err).Msg("Forced termination failed")
		return
	}
	log.Warn().Str("status", string(target)).Msg("Session terminated by escalation policy")
}

// Release drops a session's state and any pending timer. Call after the
// session reached a terminal state.
func (p *Policy) Release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.sessions[id]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(p.sessions, id)
	}
}

// Status summarizes a session's violations.
type Status struct {
	SessionID  uuid.UUID           `json:"session_id"`
	Total      int                 `json:"total_violations"`
	BySeverity map[string]int      `json:"by_severity"`
	RiskLevel  string              `json:"risk_level"`
	Scheduled  bool                `json:"termination_scheduled"`
	Target     model.SessionStatus `json:"termination_target,omitempty"`
	Violations []Violation         `json:"violations"`
}

// Status reports the current violations of a session. Unknown sessions
// report no violations.
func (p *Policy) Status(id uuid.UUID) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Status{
		SessionID:  id,
		BySeverity: map[string]int{},
		Violations: []Violation{},
	}
	st, ok := p.sessions[id]
	if ok {
		out.Total = len(st.violations)
		out.Scheduled = st.scheduled
		out.Target = st.target
		out.Violations = append(out.Violations, st.violations...)
		for _, v := range st.violations {
			out.BySeverity[v.Severity.String()]++
		}
	}
	out.RiskLevel = riskLevel(out.BySeverity)
	return out
}

func riskLevel(counts map[string]int) string {
	switch {
	case counts[SeverityCritical.String()] > 0:
		return "critical"
	case counts[SeverityHigh.String()] > 2:
		return "high"
	case counts[SeverityMedium.String()] > 3:
		return "medium"
	}
	return "low"
}

// Stop cancels every pending termination. Used on shutdown.
func (p *Policy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for id, st := range p.sessions {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(p.sessions, id)
	}
}
