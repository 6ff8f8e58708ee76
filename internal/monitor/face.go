package monitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// FaceConfig tunes the face monitor.
type FaceConfig struct {
	Interval      time.Duration
	AbsenceGrace  time.Duration
	HistorySize   int
	Window        int
	ScreenshotMin time.Duration
	ScreenshotMax time.Duration
	SampleTimeout time.Duration
}

// DefaultFaceConfig returns the production cadence.
func DefaultFaceConfig() FaceConfig {
	return FaceConfig{
		Interval:      10 * time.Second,
		AbsenceGrace:  5 * time.Second,
		HistorySize:   10,
		Window:        5,
		ScreenshotMin: 2 * time.Minute,
		ScreenshotMax: 5 * time.Minute,
		SampleTimeout: 5 * time.Second,
	}
}

type facePattern struct {
	name   string
	weight float64
}

var (
	patternFrequentAbsence      = facePattern{"frequent-absence", 0.3}
	patternMultiplePeople       = facePattern{"multiple-people", 0.5}
	patternInconsistentPresence = facePattern{"inconsistent-presence", 0.2}
)

// FaceMonitor samples the number of visible faces and looks for absence,
// extra people and erratic presence.
type FaceMonitor struct {
	cfg     FaceConfig
	devices Devices
	emitter
	randN func(n int64) int64

	mu       sync.Mutex
	camera   Camera
	running  bool
	lastSeen time.Time
	history  []int
	active   map[string]bool
	shot     clock.Timer
}

// NewFaceMonitor creates a face monitor reading from devices.
func NewFaceMonitor(cfg FaceConfig, devices Devices, sink Sink, clk clock.Clock, log zerolog.Logger) *FaceMonitor {
	return &FaceMonitor{
		cfg:     cfg,
		devices: devices,
		emitter: emitter{sink: sink, clock: clk, log: log.With().Str("monitor", "face").Logger()},
		randN:   rand.Int64N,
		active:  make(map[string]bool),
	}
}

// Name implements Monitor.
func (m *FaceMonitor) Name() string { return "face" }

// Start opens the camera and begins periodic sampling. A camera that cannot
// be opened is reported once and the monitor stays off.
func (m *FaceMonitor) Start(ctx context.Context) (StopFunc, error) {
	if m.devices == nil {
		m.emit(ctx, model.EventCameraAccessDenied, "Camera access denied: no capture device")
		return nil, fmt.Errorf("%w: camera", model.ErrSensorUnavailable)
	}
	cam, err := m.devices.OpenCamera(ctx)
	if err != nil {
		m.emit(ctx, model.EventCameraAccessDenied, "Camera access denied: "+err.Error())
		return nil, fmt.Errorf("%w: camera: %v", model.ErrSensorUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.camera = cam
	m.running = true
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				m.Sample(runCtx)
			}
		}
	}()
	m.scheduleScreenshot(runCtx)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			ticker.Stop()
			<-done
			m.mu.Lock()
			m.running = false
			if m.shot != nil {
				m.shot.Stop()
				m.shot = nil
			}
			m.mu.Unlock()
			if err := cam.Close(); err != nil {
				m.log.Debug().Err(err).Msg("Camera close failed")
			}
		})
	}, nil
}

// Sample reads one face count from the camera and records it.
func (m *FaceMonitor) Sample(ctx context.Context) {
	m.mu.Lock()
	cam := m.camera
	m.mu.Unlock()
	if cam == nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	defer cancel()
	count, err := cam.FaceCount(sctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("Face sample unavailable")
		return
	}
	m.Record(ctx, count)
}

// Record processes one face count observation.
func (m *FaceMonitor) Record(ctx context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	now := m.clock.Now()
	switch {
	case count == 0:
		if now.Sub(m.lastSeen) > m.cfg.AbsenceGrace {
			m.emit(ctx, model.EventFaceNotVisible, "No face detected in camera view")
		}
	case count > 1:
		m.lastSeen = now
		m.emit(ctx, model.EventMultipleFaces, fmt.Sprintf("Multiple faces detected (%d)", count))
	default:
		m.lastSeen = now
	}

	m.history = append(m.history, count)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.analyze(ctx)
}

// analyze must be called with mu held.
func (m *FaceMonitor) analyze(ctx context.Context) {
	if len(m.history) < m.cfg.Window {
		return
	}
	window := m.history[len(m.history)-m.cfg.Window:]

	absent, multi, delta := 0, 0, 0
	for i, c := range window {
		if c == 0 {
			absent++
		}
		if c > 1 {
			multi++
		}
		if i > 0 {
			d := c - window[i-1]
			if d < 0 {
				d = -d
			}
			delta += d
		}
	}

	var found []facePattern
	if absent >= 3 {
		found = append(found, patternFrequentAbsence)
	}
	if multi >= 2 {
		found = append(found, patternMultiplePeople)
	}
	if float64(delta)/float64(len(window)-1) > 1 {
		found = append(found, patternInconsistentPresence)
	}

	fresh := false
	next := make(map[string]bool, len(found))
	names := make([]string, 0, len(found))
	confidence := 0.0
	for _, p := range found {
		next[p.name] = true
		names = append(names, p.name)
		confidence += p.weight
		if !m.active[p.name] {
			fresh = true
		}
	}
	m.active = next

	if fresh {
		m.emit(ctx, model.EventCheatingPatternDetected, describePatterns("Suspicious patterns", names, capConfidence(confidence)))
	}
}

func (m *FaceMonitor) scheduleScreenshot(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.cfg.ScreenshotMax <= 0 {
		return
	}
	d := m.cfg.ScreenshotMin
	if spread := m.cfg.ScreenshotMax - m.cfg.ScreenshotMin; spread > 0 {
		d += time.Duration(m.randN(int64(spread)))
	}
	m.shot = m.clock.AfterFunc(d, func() {
		m.captureScreenshot(ctx)
		m.scheduleScreenshot(ctx)
	})
}

func (m *FaceMonitor) captureScreenshot(ctx context.Context) {
	m.mu.Lock()
	cam, running := m.camera, m.running
	m.mu.Unlock()
	if !running || ctx.Err() != nil {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SampleTimeout)
	defer cancel()
	ref, err := cam.Snapshot(sctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("Screenshot unavailable")
		return
	}

	ev := m.event(model.EventScreenshotCaptured, "Periodic screenshot captured")
	ev.SnapshotRef = ref
	m.send(ctx, ev)
}
