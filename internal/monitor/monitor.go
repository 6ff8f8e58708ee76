// Package monitor turns raw sensor signals from an exam client into
// proctoring events. Each monitor is an explicit object started per session
// and stopped through the StopFunc it returns.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Sink receives the events a monitor produces.
type Sink interface {
	Emit(ctx context.Context, ev model.ProctoringEvent) error
}

// StopFunc stops a started monitor. It is safe to call more than once.
type StopFunc func()

// Monitor is one independent signal watcher.
type Monitor interface {
	Name() string
	Start(ctx context.Context) (StopFunc, error)
}

// ─── Sensors ────────────────────────────────────────────────────────

// Camera is an open camera handle.
type Camera interface {
	FaceCount(ctx context.Context) (int, error)
	Snapshot(ctx context.Context) (string, error)
	Enabled(ctx context.Context) (bool, error)
	Close() error
}

// Microphone is an open microphone handle. Level samples are pushed to the
// AudioMonitor by whoever owns the feed.
type Microphone interface {
	Enabled(ctx context.Context) (bool, error)
	Close() error
}

// Devices opens the client's capture devices.
type Devices interface {
	OpenCamera(ctx context.Context) (Camera, error)
	OpenMicrophone(ctx context.Context) (Microphone, error)
}

// ProbeResult is one connectivity measurement. BandwidthMbps is zero when
// unknown.
type ProbeResult struct {
	Latency       time.Duration
	BandwidthMbps float64
}

// Prober measures round trips to the client.
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// BrowserReport is the client's self-reported browser state.
type BrowserReport struct {
	DevToolsOpen bool
	Extensions   []string
	LastActivity time.Time
}

// BrowserInspector asks the client for its browser state.
type BrowserInspector interface {
	Inspect(ctx context.Context) (BrowserReport, error)
}

// Sensors bundles everything the monitors of one session read from.
type Sensors struct {
	Devices Devices
	Prober  Prober
	Browser BrowserInspector
}

// ErrOffline is returned by probers that know the client is gone.
var ErrOffline = errors.New("client offline")

// ─── shared plumbing ────────────────────────────────────────────────

type emitter struct {
	sink  Sink
	clock clock.Clock
	log   zerolog.Logger
}

func (e emitter) event(typ model.EventType, details string) model.ProctoringEvent {
	return model.ProctoringEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: typ,
		Details:   details,
	}
}

func (e emitter) emit(ctx context.Context, typ model.EventType, details string) {
	e.send(ctx, e.event(typ, details))
}

func (e emitter) send(ctx context.Context, ev model.ProctoringEvent) {
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.log.Warn().Err(err).Str("event_type", string(ev.EventType)).Msg("Failed to record event")
	}
}

// describePatterns renders "Suspicious patterns: a, b (confidence: 80%)".
func describePatterns(prefix string, names []string, confidence float64) string {
	return fmt.Sprintf("%s: %s (confidence: %d%%)", prefix, strings.Join(names, ", "), int(math.Round(confidence*100)))
}

func capConfidence(c float64) float64 {
	return math.Min(c, 1)
}
