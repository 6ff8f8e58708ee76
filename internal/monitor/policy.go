package monitor

import "github.com/stemsi/exstem-proctor/internal/config"

// FromPolicy maps a proctoring policy onto monitor settings. Values the
// policy file does not carry keep their defaults.
func FromPolicy(p *config.Policy) Config {
	cfg := DefaultConfig()
	if p == nil {
		return cfg
	}

	cfg.Face.Interval = p.Face.Interval
	cfg.Face.AbsenceGrace = p.Face.AbsenceGrace
	cfg.Face.HistorySize = p.Face.HistorySize
	cfg.Face.Window = p.Face.Window
	cfg.Face.ScreenshotMin = p.Face.ScreenshotMin
	cfg.Face.ScreenshotMax = p.Face.ScreenshotMax

	cfg.Audio.SpeechThreshold = p.Audio.SpeechThreshold
	cfg.Audio.SpeechEnd = p.Audio.SpeechEnd
	cfg.Audio.Window = p.Audio.Window
	cfg.Audio.SilenceAfter = p.Audio.SilenceAfter

	cfg.Visibility.OffScreenAfter = p.Visibility.OffScreenAfter

	cfg.Network = NetworkConfig{
		Interval:     p.Network.Interval,
		ProbeTimeout: p.Network.ProbeTimeout,
		Grace:        p.Network.Grace,
	}
	cfg.Security = SecurityConfig{
		Interval:        p.Security.Interval,
		CheckTimeout:    p.Security.CheckTimeout,
		InactivityLimit: p.Security.InactivityLimit,
	}
	return cfg
}
