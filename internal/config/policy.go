package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FacePolicy tunes face monitoring.
type FacePolicy struct {
	Interval      time.Duration `yaml:"interval"`
	AbsenceGrace  time.Duration `yaml:"absence_grace"`
	HistorySize   int           `yaml:"history_size"`
	Window        int           `yaml:"window"`
	ScreenshotMin time.Duration `yaml:"screenshot_min"`
	ScreenshotMax time.Duration `yaml:"screenshot_max"`
}

// AudioPolicy tunes audio monitoring.
type AudioPolicy struct {
	SpeechThreshold float64       `yaml:"speech_threshold"`
	SpeechEnd       time.Duration `yaml:"speech_end"`
	Window          int           `yaml:"window"`
	SilenceAfter    time.Duration `yaml:"silence_after"`
}

// VisibilityPolicy tunes focus tracking.
type VisibilityPolicy struct {
	OffScreenAfter time.Duration `yaml:"off_screen_after"`
}

// NetworkPolicy tunes connectivity probing.
type NetworkPolicy struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Grace        time.Duration `yaml:"grace"`
}

// SecurityPolicy tunes the periodic browser checks.
type SecurityPolicy struct {
	Interval        time.Duration `yaml:"interval"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	InactivityLimit time.Duration `yaml:"inactivity_limit"`
}

// EscalationPolicy tunes automatic termination. Severities maps event
// types to low, medium, high or critical; listed entries override the
// built-in table.
type EscalationPolicy struct {
	GracePeriod   time.Duration     `yaml:"grace_period"`
	MaxViolations int               `yaml:"max_violations"`
	Severities    map[string]string `yaml:"severities"`
}

// Policy is the proctoring policy file.
type Policy struct {
	Face       FacePolicy       `yaml:"face"`
	Audio      AudioPolicy      `yaml:"audio"`
	Visibility VisibilityPolicy `yaml:"visibility"`
	Network    NetworkPolicy    `yaml:"network"`
	Security   SecurityPolicy   `yaml:"security"`
	Escalation EscalationPolicy `yaml:"escalation"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() *Policy {
	return &Policy{
		Face: FacePolicy{
			Interval:      10 * time.Second,
			AbsenceGrace:  5 * time.Second,
			HistorySize:   10,
			Window:        5,
			ScreenshotMin: 2 * time.Minute,
			ScreenshotMax: 5 * time.Minute,
		},
		Audio: AudioPolicy{
			SpeechThreshold: 0.1,
			SpeechEnd:       2 * time.Second,
			Window:          50,
			SilenceAfter:    30 * time.Second,
		},
		Visibility: VisibilityPolicy{OffScreenAfter: 10 * time.Second},
		Network: NetworkPolicy{
			Interval:     10 * time.Second,
			ProbeTimeout: 5 * time.Second,
			Grace:        5 * time.Second,
		},
		Security: SecurityPolicy{
			Interval:        30 * time.Second,
			CheckTimeout:    2 * time.Second,
			InactivityLimit: 30 * time.Minute,
		},
		Escalation: EscalationPolicy{
			GracePeriod:   3 * time.Second,
			MaxViolations: 5,
		},
	}
}

// Validate rejects values that would stall a monitor.
func (p *Policy) Validate() error {
	positive := map[string]time.Duration{
		"face.interval":               p.Face.Interval,
		"audio.speech_end":            p.Audio.SpeechEnd,
		"visibility.off_screen_after": p.Visibility.OffScreenAfter,
		"network.interval":            p.Network.Interval,
		"network.probe_timeout":       p.Network.ProbeTimeout,
		"security.interval":           p.Security.Interval,
		"security.check_timeout":      p.Security.CheckTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("policy: %s must be positive", name)
		}
	}
	if p.Face.Window <= 0 || p.Face.HistorySize < p.Face.Window {
		return errors.New("policy: face.history_size must be at least face.window")
	}
	if p.Audio.Window <= 0 {
		return errors.New("policy: audio.window must be positive")
	}
	if p.Face.ScreenshotMax < p.Face.ScreenshotMin {
		return errors.New("policy: face.screenshot_max must not be below face.screenshot_min")
	}
	if p.Escalation.MaxViolations <= 0 {
		return errors.New("policy: escalation.max_violations must be positive")
	}
	for typ, sev := range p.Escalation.Severities {
		switch strings.ToLower(strings.TrimSpace(sev)) {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("policy: escalation.severities.%s: unknown severity %q", typ, sev)
		}
	}
	return nil
}

// LoadPolicy reads a policy file. Fields missing from the file keep their
// defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// PolicyWatcher holds the current policy and reloads it when the file
// changes. A broken file keeps the previous policy in force.
type PolicyWatcher struct {
	path     string
	current  atomic.Pointer[Policy]
	onChange []func(*Policy)
	log      zerolog.Logger
}

// NewPolicyWatcher loads path, or the defaults when path is empty.
func NewPolicyWatcher(path string, log zerolog.Logger) (*PolicyWatcher, error) {
	w := &PolicyWatcher{
		path: path,
		log:  log.With().Str("component", "policy").Logger(),
	}
	p := DefaultPolicy()
	if path != "" {
		loaded, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	w.current.Store(p)
	return w, nil
}

// Current returns the policy in force.
func (w *PolicyWatcher) Current() *Policy {
	return w.current.Load()
}

// OnChange registers cb to run after every successful reload. Register
// before Watch.
func (w *PolicyWatcher) OnChange(cb func(*Policy)) {
	w.onChange = append(w.onChange, cb)
}

// Watch reloads the policy on file changes until ctx is done. It returns
// immediately when no file is configured.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, w.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Msg("Policy watcher error")
			}
		}
	}()

	w.log.Info().Str("path", w.path).Msg("Watching proctoring policy")
	return nil
}

// Reload re-reads the policy file now.
func (w *PolicyWatcher) Reload() error {
	p, err := LoadPolicy(w.path)
	if err != nil {
		return err
	}
	w.current.Store(p)
	for _, cb := range w.onChange {
		cb(p)
	}
	return nil
}

func (w *PolicyWatcher) reload() {
	if err := w.Reload(); err != nil {
		w.log.Error().Err(err).Msg("Policy reload failed, keeping previous policy")
		return
	}
	w.log.Info().Msg("Proctoring policy reloaded")
}
