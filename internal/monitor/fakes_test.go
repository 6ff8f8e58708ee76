package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var testEpoch = time.Date(2026, 4, 20, 8, 0, 0, 0, time.UTC)

func newTestClock() *clock.Fake {
	return clock.NewFake(testEpoch)
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.ProctoringEvent
}

func (s *recordingSink) Emit(_ context.Context, ev model.ProctoringEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.EventType
	}
	return out
}

func (s *recordingSink) ofType(t model.EventType) []model.ProctoringEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProctoringEvent
	for _, ev := range s.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCamera struct {
	faces    atomic.Int32
	disabled atomic.Bool
	hang     bool
	snapshot string
	closed   atomic.Int32
}

func (c *fakeCamera) FaceCount(context.Context) (int, error) { return int(c.faces.Load()), nil }

func (c *fakeCamera) Snapshot(context.Context) (string, error) { return c.snapshot, nil }

func (c *fakeCamera) Enabled(ctx context.Context) (bool, error) {
	if c.hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return !c.disabled.Load(), nil
}

func (c *fakeCamera) Close() error {
	c.closed.Add(1)
	return nil
}

type fakeMic struct {
	disabled bool
	closed   atomic.Int32
}

func (m *fakeMic) Enabled(context.Context) (bool, error) { return !m.disabled, nil }

func (m *fakeMic) Close() error {
	m.closed.Add(1)
	return nil
}

type fakeDevices struct {
	cam    *fakeCamera
	mic    *fakeMic
	camErr error
	micErr error
}

func (d *fakeDevices) OpenCamera(context.Context) (Camera, error) {
	if d.camErr != nil {
		return nil, d.camErr
	}
	return d.cam, nil
}

func (d *fakeDevices) OpenMicrophone(context.Context) (Microphone, error) {
	if d.micErr != nil {
		return nil, d.micErr
	}
	return d.mic, nil
}

// parkedProber blocks until its context ends, so the network loop never
// races the test's own observations.
type parkedProber struct{}

func (parkedProber) Probe(ctx context.Context) (ProbeResult, error) {
	<-ctx.Done()
	return ProbeResult{}, ctx.Err()
}

type scriptedProber struct {
	mu   sync.Mutex
	errs []error
}

func (p *scriptedProber) Probe(context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) == 0 {
		return ProbeResult{Latency: 20 * time.Millisecond}, nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return ProbeResult{}, err
}

type fakeBrowser struct {
	report BrowserReport
	err    error
	hang   bool
}

func (b fakeBrowser) Inspect(ctx context.Context) (BrowserReport, error) {
	if b.hang {
		<-ctx.Done()
		return BrowserReport{}, ctx.Err()
	}
	return b.report, b.err
}
