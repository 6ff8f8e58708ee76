package escalation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/eventlog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type termination struct {
	id     uuid.UUID
	reason string
	target model.SessionStatus
}

type fakeBackend struct {
	mu           sync.Mutex
	terminated   []termination
	audit        []model.ProctoringEvent
	terminateErr error
	appendErr    error
}

func (f *fakeBackend) ForceTerminate(_ context.Context, id uuid.UUID, reason string, target model.SessionStatus) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	f.terminated = append(f.terminated, termination{id, reason, target})
	return &model.ExamSession{ID: id, Status: target}, nil
}

func (f *fakeBackend) Append(_ context.Context, ident model.Identity, _ uuid.UUID, ev model.ProctoringEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	if ident.Role != model.RoleSystem {
		panic("audit events must use the system identity")
	}
	f.audit = append(f.audit, ev)
	return int64(len(f.audit)), nil
}

func newPolicy(t *testing.T) (*Policy, *fakeBackend, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	backend := &fakeBackend{}
	p := New(DefaultConfig, backend, backend, clk, zerolog.Nop())
	t.Cleanup(p.Stop)
	return p, backend, clk
}

func appended(id uuid.UUID, seq int64, typ model.EventType) eventlog.Appended {
	return eventlog.Appended{
		SessionID: id,
		Seq:       seq,
		Event:     model.ProctoringEvent{EventType: typ, Details: string(typ)},
	}
}

func TestPolicy_CriticalViolationLogsOutAfterGrace(t *testing.T) {
	p, backend, clk := newPolicy(t)
	id := uuid.New()

	p.HandleAppended(appended(id, 1, model.EventCameraDisabled))
	st := p.Status(id)
	assert.True(t, st.Scheduled)
	assert.Equal(t, "critical", st.RiskLevel)

	clk.Advance(2 * time.Second)
	assert.Empty(t, backend.terminated)

	clk.Advance(time.Second)
	require.Len(t, backend.terminated, 1)
	assert.Equal(t, model.SessionStatusLoggedOut, backend.terminated[0].target)
	assert.Equal(t, "Critical violation: camera-disabled", backend.terminated[0].reason)

	require.Len(t, backend.audit, 1)
	assert.Equal(t, model.EventForcedLogout, backend.audit[0].EventType)
	assert.Equal(t, SourceEscalation, backend.audit[0].Source)

	assert.Zero(t, p.Status(id).Total)
}

func TestPolicy_ViolationLimitMeansCheating(t *testing.T) {
	p, backend, clk := newPolicy(t)
	id := uuid.New()

	types := []model.EventType{
		model.EventOffScreen,
		model.EventMultipleFaces,
		model.EventBrowserSecurity,
		model.EventServerUnreachable,
	}
	for i, typ := range types {
		p.HandleAppended(appended(id, int64(i+1), typ))
	}
	assert.False(t, p.Status(id).Scheduled)

	p.HandleAppended(appended(id, 5, model.EventAudioCheatingPattern))
	assert.True(t, p.Status(id).Scheduled)

	clk.Advance(3 * time.Second)
	require.Len(t, backend.terminated, 1)
	assert.Equal(t, model.SessionStatusCheatingDetected, backend.terminated[0].target)
	require.Len(t, backend.audit, 1)
	assert.Equal(t, model.EventCheatingDetected, backend.audit[0].EventType)
}

func TestPolicy_ScheduledTerminationIsIrreversible(t *testing.T) {
	p, backend, clk := newPolicy(t)
	id := uuid.New()

	p.HandleAppended(appended(id, 1, model.EventNetworkDisconnected))
	p.HandleAppended(appended(id, 2, model.EventNetworkRestored))
	p.HandleAppended(appended(id, 3, model.EventMicrophoneDisabled))

	clk.Advance(3 * time.Second)
	require.Len(t, backend.terminated, 1)
	assert.Equal(t, "Critical violation: network-disconnected", backend.terminated[0].reason)
}

func TestPolicy_IgnoresBenignAndAuditEvents(t *testing.T) {
	p, backend, clk := newPolicy(t)
	id := uuid.New()

	p.HandleAppended(appended(id, 1, model.EventTabSwitch))
	p.HandleAppended(appended(id, 2, model.EventScreenshotCaptured))

	audit := appended(id, 3, model.EventForcedLogout)
	audit.Event.Source = SourceReviewer
	p.HandleAppended(audit)

	clk.Advance(time.Minute)
	assert.Empty(t, backend.terminated)
	assert.Zero(t, p.Status(id).Total)
}

func TestPolicy_ReleaseCancelsPendingTimer(t *testing.T) {
	p, backend, clk := newPolicy(t)
	id := uuid.New()

	p.HandleAppended(appended(id, 1, model.EventCameraAccessDenied))
	p.Release(id)
	clk.Advance(time.Minute)

	assert.Empty(t, backend.terminated)
	assert.Empty(t, backend.audit)
	assert.Zero(t, clk.Pending())
}

func TestPolicy_SessionAlreadyFinished(t *testing.T) {
	p, backend, clk := newPolicy(t)
	backend.appendErr = model.ErrInvalidState
	id := uuid.New()

	p.HandleAppended(appended(id, 1, model.EventCameraDisabled))
	clk.Advance(3 * time.Second)

	assert.Empty(t, backend.terminated)
	assert.Zero(t, p.Status(id).Total)
}

func TestPolicy_StatusRiskLevels(t *testing.T) {
	p, _, _ := newPolicy(t)

	high := uuid.New()
	for i := 0; i < 3; i++ {
		p.HandleAppended(appended(high, int64(i+1), model.EventMultipleFaces))
	}
	st := p.Status(high)
	assert.Equal(t, "high", st.RiskLevel)
	assert.Equal(t, 3, st.BySeverity["high"])

	medium := uuid.New()
	for i := 0; i < 4; i++ {
		p.HandleAppended(appended(medium, int64(i+1), model.EventOffScreen))
	}
	assert.Equal(t, "medium", p.Status(medium).RiskLevel)

	assert.Equal(t, "low", p.Status(uuid.New()).RiskLevel)
}

func TestSeverity_JSONAndParse(t *testing.T) {
	b, err := json.Marshal(SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, `"critical"`, string(b))

	sev, err := ParseSeverity("High")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = ParseSeverity("severe")
	assert.ErrorIs(t, err, model.ErrValidation)

	table, err := ParseSeverities(map[string]string{"tab-switch": "low"})
	require.NoError(t, err)
	assert.Equal(t, SeverityLow, table[model.EventTabSwitch])

	_, err = ParseSeverities(map[string]string{"Tab Switch": "low"})
	assert.ErrorIs(t, err, model.ErrValidation)
}
