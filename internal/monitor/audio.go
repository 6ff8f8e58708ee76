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

// AudioConfig tunes the audio monitor. Levels are normalized to [0,1].
type AudioConfig struct {
	SpeechThreshold float64
	SpeechEnd       time.Duration
	Window          int
	SilenceAfter    time.Duration
	SpeechRatio     float64
	MaxBursts       int
	LoudMean        float64
}

// DefaultAudioConfig returns the production thresholds.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{
		SpeechThreshold: 0.1,
		SpeechEnd:       2 * time.Second,
		Window:          50,
		SilenceAfter:    30 * time.Second,
		SpeechRatio:     0.3,
		MaxBursts:       5,
		LoudMean:        0.2,
	}
}

// AudioMonitor tracks speech activity from pushed level samples. Speech
// state uses hysteresis; window analysis uses the raw per-sample flags.
type AudioMonitor struct {
	cfg     AudioConfig
	devices Devices
	emitter

	mu         sync.Mutex
	ctx        context.Context
	mic        Microphone
	running    bool
	speaking   bool
	lastSpeech time.Time
	endGen     uint64
	endTimer   clock.Timer
	silenceGen uint64
	silence    clock.Timer

	levels []float64
	flags  []bool
}

// NewAudioMonitor creates an audio monitor.
func NewAudioMonitor(cfg AudioConfig, devices Devices, sink Sink, clk clock.Clock, log zerolog.Logger) *AudioMonitor {
	return &AudioMonitor{
		cfg:     cfg,
		devices: devices,
		emitter: emitter{sink: sink, clock: clk, log: log.With().Str("monitor", "audio").Logger()},
		levels:  make([]float64, 0, cfg.Window),
		flags:   make([]bool, 0, cfg.Window),
	}
}

// Name implements Monitor.
func (m *AudioMonitor) Name() string { return "audio" }

// Start opens the microphone. Samples are ignored until Start succeeds.
func (m *AudioMonitor) Start(ctx context.Context) (StopFunc, error) {
	if m.devices == nil {
		m.emit(ctx, model.EventAudioInitFailed, "Audio monitoring unavailable: no capture device")
		return nil, fmt.Errorf("%w: microphone", model.ErrSensorUnavailable)
	}
	mic, err := m.devices.OpenMicrophone(ctx)
	if err != nil {
		m.emit(ctx, model.EventAudioInitFailed, "Audio monitoring unavailable: "+err.Error())
		return nil, fmt.Errorf("%w: microphone: %v", model.ErrSensorUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx = runCtx
	m.mic = mic
	m.running = true
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			m.running = false
			m.endGen++
			if m.endTimer != nil {
				m.endTimer.Stop()
				m.endTimer = nil
			}
			if m.silence != nil {
				m.silence.Stop()
				m.silence = nil
			}
			m.mu.Unlock()
			if err := mic.Close(); err != nil {
				m.log.Debug().Err(err).Msg("Microphone close failed")
			}
		})
	}, nil
}

// Observe processes one level sample.
func (m *AudioMonitor) Observe(level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	now := m.clock.Now()
	speech := level > m.cfg.SpeechThreshold
	if speech {
		if m.endTimer != nil {
			m.endTimer.Stop()
			m.endTimer = nil
			m.endGen++
		}
		if m.silence != nil {
			m.silence.Stop()
			m.silence = nil
			m.silenceGen++
		}
		if !m.speaking {
			m.speaking = true
			m.emit(m.ctx, model.EventMicActivity, fmt.Sprintf("Speech detected (level %.2f)", level))
		}
		m.lastSpeech = now
	} else if m.speaking {
		if m.endTimer == nil {
			m.endGen++
			gen := m.endGen
			m.endTimer = m.clock.AfterFunc(m.cfg.SpeechEnd, func() { m.endSpeech(gen) })
		}
		// Silence counts from the last speaking sample, not from speech-end.
		if m.silence == nil {
			m.silenceGen++
			gen := m.silenceGen
			wait := max(m.cfg.SilenceAfter-now.Sub(m.lastSpeech), 0)
			m.silence = m.clock.AfterFunc(wait, func() { m.silent(gen) })
		}
	}

	m.levels = append(m.levels, level)
	m.flags = append(m.flags, speech)
	if len(m.levels) >= m.cfg.Window {
		m.analyze()
		m.levels = m.levels[:0]
		m.flags = m.flags[:0]
	}
}

func (m *AudioMonitor) endSpeech(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || gen != m.endGen {
		return
	}
	m.speaking = false
	m.endTimer = nil
}

func (m *AudioMonitor) silent(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || gen != m.silenceGen {
		return
	}
	m.silence = nil
	m.emit(m.ctx, model.EventSilencePeriod, fmt.Sprintf("No speech for %s", m.cfg.SilenceAfter))
}

// analyze must be called with mu held and a full window.
func (m *AudioMonitor) analyze() {
	n := float64(len(m.levels))
	sum := 0.0
	for _, l := range m.levels {
		sum += l
	}
	// A burst is a maximal run of speaking samples; a window opening in
	// speech counts that run once.
	speech, bursts := 0, 0
	prev := false
	for _, f := range m.flags {
		if f {
			speech++
			if !prev {
				bursts++
			}
		}
		prev = f
	}

	var names []string
	confidence := 0.0
	if float64(speech)/n > m.cfg.SpeechRatio {
		names = append(names, "excessive-talking")
		confidence += 0.4
	}
	if bursts > m.cfg.MaxBursts {
		names = append(names, "conversation-pattern")
		confidence += 0.3
	}
	if sum/n > m.cfg.LoudMean {
		names = append(names, "high-background-audio")
		confidence += 0.2
	}
	if len(names) == 0 {
		return
	}
	m.emit(m.ctx, model.EventAudioCheatingPattern, describePatterns("Audio patterns", names, capConfidence(confidence)))
}
