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

func TestClassify(t *testing.T) {
	ms := time.Millisecond
	cases := []struct {
		name string
		res  ProbeResult
		err  error
		want Quality
	}{
		{"excellent", ProbeResult{Latency: 40 * ms, BandwidthMbps: 20}, nil, QualityExcellent},
		{"fast but thin", ProbeResult{Latency: 40 * ms, BandwidthMbps: 6}, nil, QualityGood},
		{"good", ProbeResult{Latency: 150 * ms, BandwidthMbps: 5}, nil, QualityGood},
		{"fair", ProbeResult{Latency: 300 * ms, BandwidthMbps: 2}, nil, QualityFair},
		{"poor bandwidth", ProbeResult{Latency: 20 * ms, BandwidthMbps: 1}, nil, QualityPoor},
		{"poor latency", ProbeResult{Latency: 301 * ms}, nil, QualityPoor},
		{"unknown bandwidth", ProbeResult{Latency: 120 * ms}, nil, QualityGood},
		{"failed probe", ProbeResult{}, errors.New("timeout"), QualityOffline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.res, tc.err))
		})
	}

	assert.Equal(t, 100, QualityExcellent.Score())
	assert.Equal(t, 75, QualityGood.Score())
	assert.Equal(t, 50, QualityFair.Score())
	assert.Equal(t, 25, QualityPoor.Score())
	assert.Equal(t, 0, QualityOffline.Score())
}

func startNetwork(t *testing.T) (*NetworkMonitor, *recordingSink, func(time.Duration)) {
	t.Helper()
	clk := newTestClock()
	sink := &recordingSink{}
	cfg := DefaultNetworkConfig()
	cfg.Interval = time.Hour
	cfg.ProbeTimeout = time.Hour
	m := NewNetworkMonitor(cfg, parkedProber{}, sink, clk, zerolog.Nop())
	stop, err := m.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(stop)
	return m, sink, clk.Advance
}

func TestNetwork_DisconnectAfterGrace(t *testing.T) {
	m, sink, advance := startNetwork(t)
	good := ProbeResult{Latency: 100 * time.Millisecond}

	m.Observe(QualityGood, good)
	m.Observe(QualityOffline, ProbeResult{})
	advance(4 * time.Second)
	m.Observe(QualityOffline, ProbeResult{})
	assert.Empty(t, sink.ofType(model.EventNetworkDisconnected))

	advance(time.Second)
	assert.Len(t, sink.ofType(model.EventNetworkDisconnected), 1)

	m.Observe(QualityGood, good)
	assert.Equal(t, []model.EventType{
		model.EventNetworkStatus,
		model.EventNetworkStatus,
		model.EventNetworkDisconnected,
		model.EventNetworkStatus,
		model.EventNetworkRestored,
	}, sink.types())
	assert.Equal(t, QualityGood, m.Quality())
}

func TestNetwork_ReconnectWithinGrace(t *testing.T) {
	m, sink, advance := startNetwork(t)

	m.Observe(QualityOffline, ProbeResult{})
	advance(3 * time.Second)
	m.Observe(QualityExcellent, ProbeResult{Latency: 10 * time.Millisecond})
	advance(10 * time.Second)

	assert.Empty(t, sink.ofType(model.EventNetworkDisconnected))
	assert.Empty(t, sink.ofType(model.EventNetworkRestored))

	status := sink.ofType(model.EventNetworkStatus)
	require.Len(t, status, 2)
	assert.Contains(t, status[0].Details, "unknown -> offline")
	assert.Contains(t, status[1].Details, "offline -> excellent (score: 100")
}

func TestNetwork_StatusOnlyOnChange(t *testing.T) {
	m, sink, _ := startNetwork(t)
	for i := 0; i < 3; i++ {
		m.Observe(QualityFair, ProbeResult{Latency: 250 * time.Millisecond})
	}
	assert.Len(t, sink.ofType(model.EventNetworkStatus), 1)
}
