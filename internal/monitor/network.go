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

// Quality is a coarse connection grade.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Score maps a quality to 0..100.
func (q Quality) Score() int {
	switch q {
	case QualityExcellent:
		return 100
	case QualityGood:
		return 75
	case QualityFair:
		return 50
	case QualityPoor:
		return 25
	}
	return 0
}

type qualityTier struct {
	quality    Quality
	maxLatency time.Duration
	minMbps    float64
}

var qualityTiers = []qualityTier{
	{QualityExcellent, 50 * time.Millisecond, 10},
	{QualityGood, 150 * time.Millisecond, 5},
	{QualityFair, 300 * time.Millisecond, 2},
}

// Classify grades a probe. A failed probe is offline; an unknown bandwidth
// (zero) grades on latency alone.
func Classify(res ProbeResult, err error) Quality {
	if err != nil {
		return QualityOffline
	}
	for _, t := range qualityTiers {
		if res.Latency <= t.maxLatency && (res.BandwidthMbps == 0 || res.BandwidthMbps >= t.minMbps) {
			return t.quality
		}
	}
	return QualityPoor
}

// NetworkConfig tunes the network monitor.
type NetworkConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Grace        time.Duration
}

// DefaultNetworkConfig returns the production cadence.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		Interval:     10 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Grace:        5 * time.Second,
	}
}

// NetworkMonitor periodically probes the client connection.
type NetworkMonitor struct {
	cfg    NetworkConfig
	prober Prober
	emitter

	mu           sync.Mutex
	ctx          context.Context
	running      bool
	quality      Quality
	disconnected bool
	gen          uint64
	grace        clock.Timer
}

// NewNetworkMonitor creates a network monitor.
func NewNetworkMonitor(cfg NetworkConfig, prober Prober, sink Sink, clk clock.Clock, log zerolog.Logger) *NetworkMonitor {
	return &NetworkMonitor{
		cfg:     cfg,
		prober:  prober,
		emitter: emitter{sink: sink, clock: clk, log: log.With().Str("monitor", "network").Logger()},
	}
}

// Name implements Monitor.
func (m *NetworkMonitor) Name() string { return "network" }

// Start probes once immediately and then on every interval.
func (m *NetworkMonitor) Start(ctx context.Context) (StopFunc, error) {
	if m.prober == nil {
		return nil, fmt.Errorf("%w: no prober", model.ErrSensorUnavailable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx = runCtx
	m.running = true
	m.mu.Unlock()

	ticker := m.clock.NewTicker(m.cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Sample(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C():
				m.Sample(runCtx)
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
			m.running = false
			m.gen++
			if m.grace != nil {
				m.grace.Stop()
				m.grace = nil
			}
		})
	}, nil
}

// Sample runs one probe with a bounded timeout.
func (m *NetworkMonitor) Sample(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	res, err := m.prober.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.Observe(Classify(res, err), res)
}

// Observe records a classified probe.
func (m *NetworkMonitor) Observe(q Quality, res ProbeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	if q != m.quality {
		prev := m.quality
		if prev == "" {
			prev = "unknown"
		}
		m.quality = q
		m.emit(m.ctx, model.EventNetworkStatus, fmt.Sprintf(
			"Network quality changed: %s -> %s (score: %d, latency: %dms)",
			prev, q, q.Score(), res.Latency.Milliseconds()))
	}

	if q == QualityOffline {
		if m.grace == nil && !m.disconnected {
			m.gen++
			gen := m.gen
			m.grace = m.clock.AfterFunc(m.cfg.Grace, func() { m.disconnect(gen) })
		}
		return
	}

	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
		m.gen++
	}
	if m.disconnected {
		m.disconnected = false
		m.emit(m.ctx, model.EventNetworkRestored, "Network connection restored")
	}
}

// Quality returns the last observed grade.
func (m *NetworkMonitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

func (m *NetworkMonitor) disconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || gen != m.gen || m.quality != QualityOffline {
		return
	}
	m.grace = nil
	m.disconnected = true
	m.emit(m.ctx, model.EventNetworkDisconnected, fmt.Sprintf("Network connection lost for more than %s", m.cfg.Grace))
}
