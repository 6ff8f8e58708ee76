package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// VisibilityConfig tunes the visibility monitor.
type VisibilityConfig struct {
	OffScreenAfter time.Duration
}

// DefaultVisibilityConfig returns the production threshold.
func DefaultVisibilityConfig() VisibilityConfig {
	return VisibilityConfig{OffScreenAfter: 10 * time.Second}
}

// VisibilityMonitor tracks whether the exam page has focus.
//
// Events are emitted while mu is held so a tab-return can never be
// recorded ahead of the tab-switch or off-screen event it follows.
type VisibilityMonitor struct {
	cfg VisibilityConfig
	emitter

	mu       sync.Mutex
	ctx      context.Context
	running  bool
	hidden   bool
	switches int
	gen      uint64
	timer    clock.Timer
}

// NewVisibilityMonitor creates a visibility monitor.
func NewVisibilityMonitor(cfg VisibilityConfig, sink Sink, clk clock.Clock, log zerolog.Logger) *VisibilityMonitor {
	return &VisibilityMonitor{
		cfg:     cfg,
		emitter: emitter{sink: sink, clock: clk, log: log.With().Str("monitor", "visibility").Logger()},
	}
}

// Name implements Monitor.
func (m *VisibilityMonitor) Name() string { return "visibility" }

// Start arms the monitor. Visibility needs no device.
func (m *VisibilityMonitor) Start(ctx context.Context) (StopFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx = runCtx
	m.running = true
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			defer m.mu.Unlock()
			m.running = false
			m.gen++
			if m.timer != nil {
				m.timer.Stop()
				m.timer = nil
			}
		})
	}, nil
}

// Hidden records that the page lost focus.
func (m *VisibilityMonitor) Hidden() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.hidden {
		return
	}
	m.hidden = true
	m.switches++
	m.gen++
	gen := m.gen

	m.emit(m.ctx, model.EventTabSwitch, fmt.Sprintf("Tab switched or window lost focus (count: %d)", m.switches))
	m.timer = m.clock.AfterFunc(m.cfg.OffScreenAfter, func() { m.offScreen(gen) })
}

// Visible records that the page regained focus.
func (m *VisibilityMonitor) Visible() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || !m.hidden {
		return
	}
	m.hidden = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.switches > 0 {
		m.emit(m.ctx, model.EventTabReturn, "Returned to exam tab")
	}
}

// Switches returns how many times focus was lost.
func (m *VisibilityMonitor) Switches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switches
}

func (m *VisibilityMonitor) offScreen(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || !m.hidden || gen != m.gen {
		return
	}
	m.timer = nil
	m.emit(m.ctx, model.EventOffScreen, fmt.Sprintf("Student has been off-screen for more than %s", m.cfg.OffScreenAfter))
}
