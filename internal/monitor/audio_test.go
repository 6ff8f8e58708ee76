package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAudio(t *testing.T) (*AudioMonitor, *recordingSink, func(time.Duration)) {
	t.Helper()
	clk := newTestClock()
	sink := &recordingSink{}
	m := NewAudioMonitor(DefaultAudioConfig(), &fakeDevices{mic: &fakeMic{}}, sink, clk, zerolog.Nop())
	stop, err := m.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(stop)
	return m, sink, clk.Advance
}

func TestAudio_SpeechStartsAndEnds(t *testing.T) {
	m, sink, advance := startAudio(t)

	m.Observe(0.5)
	m.Observe(0.6)
	assert.Len(t, sink.ofType(model.EventMicActivity), 1)

	m.Observe(0.01)
	advance(time.Second)
	m.Observe(0.4) // resumes before speech-end
	assert.Len(t, sink.ofType(model.EventMicActivity), 1)

	m.Observe(0.01)
	advance(2 * time.Second)
	m.Observe(0.4)
	assert.Len(t, sink.ofType(model.EventMicActivity), 2)
}

func TestAudio_SilenceAfterSpeech(t *testing.T) {
	m, sink, advance := startAudio(t)

	m.Observe(0.5)
	advance(500 * time.Millisecond)
	m.Observe(0.0)
	advance(29 * time.Second)
	assert.Empty(t, sink.ofType(model.EventSilencePeriod))

	// 30s after the last speaking sample, not after speech-end.
	advance(500 * time.Millisecond)
	assert.Len(t, sink.ofType(model.EventSilencePeriod), 1)
}

func TestAudio_SpeechCancelsSilence(t *testing.T) {
	m, sink, advance := startAudio(t)

	m.Observe(0.5)
	m.Observe(0.0)
	advance(20 * time.Second)
	m.Observe(0.5)
	m.Observe(0.0)
	advance(20 * time.Second)
	assert.Empty(t, sink.ofType(model.EventSilencePeriod))

	advance(10 * time.Second)
	assert.Len(t, sink.ofType(model.EventSilencePeriod), 1)
}

func TestAudio_WindowAnalysis(t *testing.T) {
	m, sink, _ := startAudio(t)

	for i := 0; i < 49; i++ {
		m.Observe(0.5)
	}
	assert.Empty(t, sink.ofType(model.EventAudioCheatingPattern))

	m.Observe(0.5)
	patterns := sink.ofType(model.EventAudioCheatingPattern)
	require.Len(t, patterns, 1)
	assert.Equal(t, "Audio patterns: excessive-talking, high-background-audio (confidence: 60%)", patterns[0].Details)
}

func TestAudio_ConversationBursts(t *testing.T) {
	m, sink, advance := startAudio(t)

	// Seven short bursts in one window, mostly quiet.
	for i := 0; i < 7; i++ {
		m.Observe(0.15)
		m.Observe(0.0)
		advance(2 * time.Second)
		for j := 0; j < 5; j++ {
			m.Observe(0.0)
		}
	}
	for i := 0; i < 50-7*7; i++ {
		m.Observe(0.0)
	}

	assert.Len(t, sink.ofType(model.EventMicActivity), 7)
	patterns := sink.ofType(model.EventAudioCheatingPattern)
	require.Len(t, patterns, 1)
	assert.Equal(t, "Audio patterns: conversation-pattern (confidence: 30%)", patterns[0].Details)
}

func TestAudio_RapidAlternationCountsEveryRun(t *testing.T) {
	m, sink, _ := startAudio(t)

	// Runs closer than the speech-end hysteresis are still separate bursts.
	for i := 0; i < 25; i++ {
		m.Observe(0.15)
		m.Observe(0.0)
	}

	assert.Len(t, sink.ofType(model.EventMicActivity), 1)
	patterns := sink.ofType(model.EventAudioCheatingPattern)
	require.Len(t, patterns, 1)
	assert.Equal(t, "Audio patterns: excessive-talking, conversation-pattern (confidence: 70%)", patterns[0].Details)
}

func TestAudio_RunAcrossWindowBoundaryCountsInNextWindow(t *testing.T) {
	m, sink, _ := startAudio(t)

	for i := 0; i < 49; i++ {
		m.Observe(0.0)
	}
	m.Observe(0.15)
	require.Empty(t, sink.ofType(model.EventAudioCheatingPattern))

	// The window opens mid-run; that run plus five more make six bursts.
	m.Observe(0.15)
	for j := 0; j < 7; j++ {
		m.Observe(0.0)
	}
	for i := 0; i < 5; i++ {
		m.Observe(0.15)
		for j := 0; j < 7; j++ {
			m.Observe(0.0)
		}
	}
	m.Observe(0.0)
	m.Observe(0.0)

	patterns := sink.ofType(model.EventAudioCheatingPattern)
	require.Len(t, patterns, 1)
	assert.Equal(t, "Audio patterns: conversation-pattern (confidence: 30%)", patterns[0].Details)
}

func TestAudio_InitFailure(t *testing.T) {
	sink := &recordingSink{}
	m := NewAudioMonitor(DefaultAudioConfig(), &fakeDevices{micErr: errors.New("NotAllowedError")}, sink, newTestClock(), zerolog.Nop())

	_, err := m.Start(context.Background())
	assert.ErrorIs(t, err, model.ErrSensorUnavailable)
	assert.Equal(t, []model.EventType{model.EventAudioInitFailed}, sink.types())

	m.Observe(0.9)
	assert.Len(t, sink.types(), 1)
}
