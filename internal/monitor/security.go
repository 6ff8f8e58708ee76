package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/errgroup"
)

// SecurityConfig tunes the browser-security monitor.
type SecurityConfig struct {
	Interval        time.Duration
	CheckTimeout    time.Duration
	InactivityLimit time.Duration
}

// DefaultSecurityConfig returns the production cadence.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Interval:        30 * time.Second,
		CheckTimeout:    2 * time.Second,
		InactivityLimit: 30 * time.Minute,
	}
}

// SecurityMonitor periodically verifies that devices stay enabled, the
// client is reachable and the browser looks untampered.
type SecurityMonitor struct {
	cfg     SecurityConfig
	sensors Sensors
	emitter

	mu               sync.Mutex
	camera           Camera
	mic              Microphone
	probeFailures    int
	reportedInactive time.Time
}

// NewSecurityMonitor creates a browser-security monitor.
func NewSecurityMonitor(cfg SecurityConfig, sensors Sensors, sink Sink, clk clock.Clock, log zerolog.Logger) *SecurityMonitor {
	return &SecurityMonitor{
		cfg:     cfg,
		sensors: sensors,
		emitter: emitter{sink: sink, clock: clk, log: log.With().Str("monitor", "security").Logger()},
	}
}

// Name implements Monitor.
func (m *SecurityMonitor) Name() string { return "security" }

// Start runs Check on every interval until stopped.
func (m *SecurityMonitor) Start(ctx context.Context) (StopFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	ticker := m.clock.NewTicker(m.cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				m.Check(runCtx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			ticker.Stop()
			<-done
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.camera != nil {
				m.camera.Close()
				m.camera = nil
			}
			if m.mic != nil {
				m.mic.Close()
				m.mic = nil
			}
		})
	}, nil
}

// Check runs every security check concurrently, each bounded by
// CheckTimeout, and emits one event per failed check. A check that times
// out counts as failed.
func (m *SecurityMonitor) Check(ctx context.Context) {
	var (
		g       errgroup.Group
		results [4][]model.ProctoringEvent
	)
	checks := []func(context.Context) []model.ProctoringEvent{
		m.checkCamera,
		m.checkMicrophone,
		m.checkNetwork,
		m.checkBrowser,
	}
	for i, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
			defer cancel()
			results[i] = check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}
	for _, evs := range results {
		for _, ev := range evs {
			m.send(ctx, ev)
		}
	}
}

func (m *SecurityMonitor) one(typ model.EventType, details string) []model.ProctoringEvent {
	return []model.ProctoringEvent{m.event(typ, details)}
}

func (m *SecurityMonitor) checkCamera(ctx context.Context) []model.ProctoringEvent {
	m.mu.Lock()
	cam := m.camera
	m.mu.Unlock()

	if cam == nil {
		if m.sensors.Devices == nil {
			return m.one(model.EventCameraAccessDenied, "Camera access denied: no capture device")
		}
		opened, err := m.sensors.Devices.OpenCamera(ctx)
		if err != nil {
			return m.one(model.EventCameraAccessDenied, "Camera access denied: "+err.Error())
		}
		m.mu.Lock()
		m.camera = opened
		m.mu.Unlock()
		cam = opened
	}

	enabled, err := cam.Enabled(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return m.one(model.EventCameraDisabled, "Camera check timed out")
	case err != nil:
		return m.one(model.EventCameraDisabled, "Camera check failed: "+err.Error())
	case !enabled:
		return m.one(model.EventCameraDisabled, "Camera has been disabled")
	}
	return nil
}

func (m *SecurityMonitor) checkMicrophone(ctx context.Context) []model.ProctoringEvent {
	m.mu.Lock()
	mic := m.mic
	m.mu.Unlock()

	if mic == nil {
		if m.sensors.Devices == nil {
			return m.one(model.EventMicrophoneAccessDenied, "Microphone access denied: no capture device")
		}
		opened, err := m.sensors.Devices.OpenMicrophone(ctx)
		if err != nil {
			return m.one(model.EventMicrophoneAccessDenied, "Microphone access denied: "+err.Error())
		}
		m.mu.Lock()
		m.mic = opened
		m.mu.Unlock()
		mic = opened
	}

	enabled, err := mic.Enabled(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return m.one(model.EventMicrophoneDisabled, "Microphone check timed out")
	case err != nil:
		return m.one(model.EventMicrophoneDisabled, "Microphone check failed: "+err.Error())
	case !enabled:
		return m.one(model.EventMicrophoneDisabled, "Microphone has been disabled")
	}
	return nil
}

func (m *SecurityMonitor) checkNetwork(ctx context.Context) []model.ProctoringEvent {
	if m.sensors.Prober == nil {
		return nil
	}
	_, err := m.sensors.Prober.Probe(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.probeFailures = 0
		return nil
	}
	m.probeFailures++
	if errors.Is(err, ErrOffline) || m.probeFailures >= 2 {
		return m.one(model.EventNetworkDisconnected, fmt.Sprintf("Client unreachable (%d consecutive failed checks)", m.probeFailures))
	}
	return m.one(model.EventServerUnreachable, "Cannot reach exam server: "+err.Error())
}

func (m *SecurityMonitor) checkBrowser(ctx context.Context) []model.ProctoringEvent {
	if m.sensors.Browser == nil {
		return nil
	}
	report, err := m.sensors.Browser.Inspect(ctx)
	switch {
	case errors.Is(err, ErrOffline):
		// The network check reports the lost client.
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return m.one(model.EventBrowserSecurity, "Browser security check timed out")
	case err != nil:
		return m.one(model.EventBrowserSecurity, "Browser security check failed: "+err.Error())
	}

	var evs []model.ProctoringEvent
	if report.DevToolsOpen {
		evs = append(evs, m.event(model.EventBrowserSecurity, "Developer tools detected"))
	}
	if len(report.Extensions) > 0 {
		evs = append(evs, m.event(model.EventBrowserSecurity,
			"Suspicious browser extensions: "+strings.Join(report.Extensions, ", ")))
	}

	if !report.LastActivity.IsZero() && m.clock.Now().Sub(report.LastActivity) > m.cfg.InactivityLimit {
		m.mu.Lock()
		fresh := !m.reportedInactive.Equal(report.LastActivity)
		m.reportedInactive = report.LastActivity
		m.mu.Unlock()
		if fresh {
			evs = append(evs, m.event(model.EventInactivityTimeout,
				fmt.Sprintf("No activity for more than %s", m.cfg.InactivityLimit)))
		}
	}
	return evs
}
